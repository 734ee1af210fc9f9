package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/runnerctl/internal/target"
)

// Targets converts the runners table into routing targets, preserving order.
func (c *Config) Targets() []target.VMTarget {
	out := make([]target.VMTarget, 0, len(c.Runners))
	for _, r := range c.Runners {
		out = append(out, target.VMTarget{
			Name:       r.Name,
			Zone:       r.Zone,
			Repo:       r.Repo,
			Labels:     target.NewLabelSet(r.Labels...),
			RunnerName: r.RunnerName,
		})
	}
	return out
}

const redacted = "[REDACTED]"

// Redacted returns a copy safe to print: secrets, tokens and keys are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Runners = append([]RunnerConfig(nil), c.Runners...)
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cp.Secrets.Webhook)
	mask(&cp.Secrets.Control)
	mask(&cp.GitHub.PrivateKey)
	mask(&cp.GitHub.Token)
	return &cp
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// Fingerprint is a short blake3 digest of the effective configuration,
// secrets included, for spotting drift between replicas without exposing
// values.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
