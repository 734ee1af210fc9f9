// Package github answers whether a runner VM is busy by querying the GitHub
// Actions REST API, authenticated as a GitHub App installation or with a
// token.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	ghapi "github.com/cli/go-gh/v2/pkg/api"

	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/target"
)

// Mode selects how busyness is determined.
type Mode string

const (
	// ModeRunner reads the busy flag of the target's registered runner.
	ModeRunner Mode = "runner"
	// ModeWorkflowRuns treats any queued or in-progress run in the target's
	// repository as busy.
	ModeWorkflowRuns Mode = "workflow_runs"
)

const (
	defaultHost    = "github.com"
	defaultTimeout = 10 * time.Second
	runnersPerPage = 100
)

// Config selects host, credentials and busy-check mode. App credentials take
// precedence over Token.
type Config struct {
	Host string
	// BaseURL overrides the REST root derived from Host.
	BaseURL        string
	AppID          int64
	InstallationID int64
	PrivateKey     string
	Token          string
	Mode           Mode
	Timeout        time.Duration
}

// HasCredentials reports whether any credentials are configured.
func (c Config) HasCredentials() bool {
	return c.AppID != 0 || c.Token != ""
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	host := c.Host
	if host == "" || strings.EqualFold(host, defaultHost) {
		return "https://api.github.com"
	}
	return "https://" + host + "/api/v3"
}

// StatusProvider implements lifecycle.CIStatusProvider.
type StatusProvider struct {
	rest    *ghapi.RESTClient
	baseURL string
	mode    Mode
	logger  *slog.Logger
}

var _ lifecycle.CIStatusProvider = (*StatusProvider)(nil)

func New(cfg Config, clk clock.Clock, logger *slog.Logger) (*StatusProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRunner
	}
	if cfg.Mode != ModeRunner && cfg.Mode != ModeWorkflowRuns {
		return nil, fmt.Errorf("unknown busy check mode %q", cfg.Mode)
	}

	base := cfg.baseURL()
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	if u, err := url.Parse(base); err == nil && cfg.BaseURL != "" {
		host = u.Hostname()
	}

	var auth authenticator
	switch {
	case cfg.AppID != 0:
		if cfg.InstallationID == 0 || cfg.PrivateKey == "" {
			return nil, errors.New("github app auth needs installation id and private key")
		}
		app, err := newAppAuth(cfg.AppID, cfg.InstallationID, cfg.PrivateKey, clk, &http.Client{Timeout: cfg.Timeout}, base)
		if err != nil {
			return nil, err
		}
		auth = app
	case cfg.Token != "":
		auth = newTokenAuth(cfg.Token)
	default:
		return nil, errors.New("github credentials not configured")
	}

	rest, err := ghapi.NewRESTClient(ghapi.ClientOptions{
		Host: host,
		// go-gh insists on a token; authTransport replaces the header.
		AuthToken:    "runnerctl",
		Transport:    &authTransport{auth: auth, base: http.DefaultTransport},
		Timeout:      cfg.Timeout,
		LogIgnoreEnv: true,
		Headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create github rest client: %w", err)
	}

	return &StatusProvider{rest: rest, baseURL: base, mode: cfg.Mode, logger: logger}, nil
}

type runner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

type runnersResponse struct {
	TotalCount int      `json:"total_count"`
	Runners    []runner `json:"runners"`
}

type runsResponse struct {
	TotalCount int `json:"total_count"`
}

func (p *StatusProvider) RunnerStatus(ctx context.Context, t target.VMTarget) (lifecycle.RunnerStatus, error) {
	if t.Repo == "" {
		return lifecycle.RunnerStatus{}, fmt.Errorf("target %s has no repository", t)
	}
	if p.mode == ModeWorkflowRuns {
		return p.workflowRunsStatus(ctx, t)
	}
	return p.runnerStatus(ctx, t)
}

func (p *StatusProvider) runnerStatus(ctx context.Context, t target.VMTarget) (lifecycle.RunnerStatus, error) {
	name := t.Runner()
	seen := 0
	for page := 1; ; page++ {
		var resp runnersResponse
		path := fmt.Sprintf("%s/repos/%s/actions/runners?per_page=%d&page=%d", p.baseURL, t.Repo, runnersPerPage, page)
		if err := p.rest.DoWithContext(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return lifecycle.RunnerStatus{}, fmt.Errorf("list runners for %s: %w", t.Repo, err)
		}

		for _, r := range resp.Runners {
			if r.Name == name {
				p.logger.Info("runner status", "runner", name, "status", r.Status, "busy", r.Busy)
				return lifecycle.RunnerStatus{Busy: r.Busy, Found: true}, nil
			}
		}

		seen += len(resp.Runners)
		if len(resp.Runners) == 0 || seen >= resp.TotalCount {
			break
		}
	}

	p.logger.Warn("runner not registered in github", "runner", name, "repo", t.Repo)
	return lifecycle.RunnerStatus{}, nil
}

func (p *StatusProvider) workflowRunsStatus(ctx context.Context, t target.VMTarget) (lifecycle.RunnerStatus, error) {
	total := 0
	for _, status := range []string{"queued", "in_progress"} {
		var resp runsResponse
		path := fmt.Sprintf("%s/repos/%s/actions/runs?status=%s&per_page=1", p.baseURL, t.Repo, status)
		if err := p.rest.DoWithContext(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return lifecycle.RunnerStatus{}, fmt.Errorf("list %s runs for %s: %w", status, t.Repo, err)
		}
		total += resp.TotalCount
	}

	p.logger.Info("workflow runs status", "repo", t.Repo, "active_runs", total)
	return lifecycle.RunnerStatus{Busy: total > 0, Found: true}, nil
}
