package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath (optional), then applies
// environment overrides and defaults, then validates. With an empty path the
// configuration comes from the environment alone.
func Load(configPath string) (*Config, error) {
	return load(configPath, os.LookupEnv)
}

type lookupFunc func(string) (string, bool)

func load(configPath string, lookup lookupFunc) (*Config, error) {
	cfg := &Config{}
	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
		}
		cfg, err = loadConfigFile(absPath, lookup)
		if err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	cfg = applyConfigDefaults(cfg)

	if cfg.GitHub.PrivateKey == "" && cfg.GitHub.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.GitHub.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read github.private_key_file: %w", err)
		}
		cfg.GitHub.PrivateKey = string(key)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, lookup lookupFunc) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Seeded so an explicit zero window in the file is kept and rejected.
	cfg := Config{Scheduler: SchedulerConfig{InactivityWindow: Defaults().Scheduler.InactivityWindow}}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data), lookup)), &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML %s: %w", path, err)
	}
	return &cfg, nil
}

// interpolateEnv replaces ${VAR} with environment values. Undefined
// variables are left in place and fail validation where they matter.
func interpolateEnv(input string, lookup lookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if value, ok := lookup(envVarPattern.FindStringSubmatch(match)[1]); ok {
			return value
		}
		return match
	})
}

// applyEnv overlays the deployment environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	set := func(dst *string, name string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	set(&cfg.GCP.Project, "GCP_PROJECT_ID")
	set(&cfg.Scheduler.Location, "CLOUD_TASK_LOCATION")
	set(&cfg.Scheduler.Queue, "CLOUD_TASK_QUEUE_NAME")
	set(&cfg.Scheduler.ServiceAccount, "CLOUD_TASK_SERVICE_ACCOUNT")
	set(&cfg.Scheduler.Driver, "SCHEDULER_DRIVER")
	set(&cfg.Service.PublicURL, "CLOUD_RUN_SERVICE_URL")
	set(&cfg.Service.LogLevel, "LOG_LEVEL")
	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.GitHub.Host, "GITHUB_HOST")
	set(&cfg.GitHub.PrivateKey, "GITHUB_APP_PRIVATE_KEY")
	set(&cfg.GitHub.Token, "GITHUB_TOKEN")
	set(&cfg.GitHub.BusyCheck, "BUSY_CHECK_MODE")

	if _, ok := get("K_SERVICE"); ok && cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = "gcp"
	}
	if v, ok := get("PORT"); ok {
		cfg.Service.Listen = ":" + v
	}
	if v, ok := get("VM_INACTIVE_MINUTES"); ok {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VM_INACTIVE_MINUTES: %w", err)
		}
		if minutes <= 0 {
			return fmt.Errorf("VM_INACTIVE_MINUTES must be a positive number of minutes (got %d)", minutes)
		}
		cfg.Scheduler.InactivityWindow = time.Duration(minutes) * time.Minute
	}
	if v, ok := get("GITHUB_APP_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GITHUB_APP_ID: %w", err)
		}
		cfg.GitHub.AppID = id
	}
	if v, ok := get("GITHUB_APP_INSTALLATION_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GITHUB_APP_INSTALLATION_ID: %w", err)
		}
		cfg.GitHub.InstallationID = id
	}

	// RUNNER_MANAGER_SECRET is the single shared secret of older
	// deployments; the specific variables win over it.
	if v, ok := get("RUNNER_MANAGER_SECRET"); ok {
		cfg.Secrets.Webhook = v
		cfg.Secrets.Control = v
	}
	set(&cfg.Secrets.Webhook, "GITHUB_WEBHOOK_SECRET")
	set(&cfg.Secrets.Control, "RUNNER_CONTROL_SECRET")

	if v, ok := get("RUNNER_CONFIG"); ok {
		var runners []RunnerConfig
		if err := json.Unmarshal([]byte(v), &runners); err != nil {
			return fmt.Errorf("RUNNER_CONFIG: %w", err)
		}
		cfg.Runners = runners
	} else if name, ok := get("VM_INSTANCE_NAME"); ok {
		r := RunnerConfig{Name: name}
		set(&r.Zone, "VM_INSTANCE_ZONE")
		set(&r.Repo, "RUNNER_REPO")
		if labels, ok := get("RUNNER_LABELS"); ok {
			r.Labels = splitList(labels)
		}
		cfg.Runners = []RunnerConfig{r}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaults.Service.Listen
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.MaxBodySize == "" {
		cfg.Service.MaxBodySize = defaults.Service.MaxBodySize
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}
	if cfg.Service.EventBuffer == 0 {
		cfg.Service.EventBuffer = defaults.Service.EventBuffer
	}

	if cfg.GCP.RequestTimeout == 0 {
		cfg.GCP.RequestTimeout = defaults.GCP.RequestTimeout
	}

	if cfg.Scheduler.Driver == "" {
		cfg.Scheduler.Driver = defaults.Scheduler.Driver
	}
	if cfg.Scheduler.InactivityWindow == 0 {
		cfg.Scheduler.InactivityWindow = defaults.Scheduler.InactivityWindow
	}
	if cfg.Scheduler.DBPath == "" {
		cfg.Scheduler.DBPath = defaults.Scheduler.DBPath
	}
	if cfg.Scheduler.LockPath == "" {
		cfg.Scheduler.LockPath = defaults.Scheduler.LockPath
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = defaults.Scheduler.PollInterval
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = defaults.Scheduler.MaxAttempts
	}

	if cfg.GitHub.Host == "" {
		cfg.GitHub.Host = defaults.GitHub.Host
	}
	if cfg.GitHub.BusyCheck == "" {
		cfg.GitHub.BusyCheck = defaults.GitHub.BusyCheck
	}
	if cfg.GitHub.Timeout == 0 {
		cfg.GitHub.Timeout = defaults.GitHub.Timeout
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = defaults.NATS.SubjectPrefix
	}
	return cfg
}

// validate checks the loaded configuration and reports every problem found.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text", "gcp":
	default:
		add("service.log_format must be json, text or gcp (got %q)", cfg.Service.LogFormat)
	}
	if _, err := ParseByteSize(cfg.Service.MaxBodySize); err != nil {
		add("service.max_body_size: %v", err)
	}
	if cfg.Service.PublicURL == "" {
		add("service.public_url is required (CLOUD_RUN_SERVICE_URL)")
	} else if u, err := url.Parse(cfg.Service.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("service.public_url must be an absolute http(s) URL (got %q)", cfg.Service.PublicURL)
	}

	if cfg.GCP.Project == "" {
		add("gcp.project is required (GCP_PROJECT_ID)")
	}

	if cfg.Secrets.Webhook == "" {
		add("secrets.webhook is required (GITHUB_WEBHOOK_SECRET or RUNNER_MANAGER_SECRET)")
	}
	if cfg.Secrets.Control == "" {
		add("secrets.control is required (RUNNER_CONTROL_SECRET or RUNNER_MANAGER_SECRET)")
	}

	if cfg.Scheduler.InactivityWindow <= 0 {
		add("scheduler.inactivity_window must be positive")
	}
	switch cfg.Scheduler.Driver {
	case DriverCloudTasks:
		if cfg.Scheduler.Location == "" {
			add("scheduler.location is required for the cloudtasks driver (CLOUD_TASK_LOCATION)")
		}
		if cfg.Scheduler.Queue == "" {
			add("scheduler.queue is required for the cloudtasks driver (CLOUD_TASK_QUEUE_NAME)")
		}
	case DriverLocal:
		if cfg.Scheduler.PollInterval <= 0 {
			add("scheduler.poll_interval must be positive")
		}
		if cfg.Scheduler.MaxAttempts <= 0 {
			add("scheduler.max_attempts must be positive")
		}
	default:
		add("scheduler.driver must be %s or %s (got %q)", DriverCloudTasks, DriverLocal, cfg.Scheduler.Driver)
	}

	if cfg.GitHub.BusyCheck != BusyCheckRunner && cfg.GitHub.BusyCheck != BusyCheckWorkflowRuns {
		add("github.busy_check must be %s or %s (got %q)", BusyCheckRunner, BusyCheckWorkflowRuns, cfg.GitHub.BusyCheck)
	}
	if cfg.GitHub.AppID != 0 {
		if cfg.GitHub.InstallationID == 0 {
			add("github.installation_id is required with github.app_id")
		}
		if cfg.GitHub.PrivateKey == "" {
			add("github.private_key is required with github.app_id")
		}
	}

	seen := make(map[string]int, len(cfg.Runners))
	for i, r := range cfg.Runners {
		if r.Name == "" {
			add("runners[%d].vm_instance_name is required", i)
		}
		if r.Zone == "" {
			add("runners[%d].vm_instance_zone is required", i)
		}
		if r.Repo == "" {
			add("runners[%d].repo is required", i)
		} else if owner, name, ok := strings.Cut(r.Repo, "/"); !ok || owner == "" || name == "" {
			add("runners[%d].repo must be owner/name (got %q)", i, r.Repo)
		}
		if strings.Contains(r.Repo+r.Name+r.Zone, "${") {
			add("runners[%d] contains an unresolved ${VAR}", i)
		}
		key := r.Zone + "/" + r.Name
		if prev, dup := seen[key]; dup {
			add("runners[%d] duplicates runners[%d] (%s)", i, prev, key)
		} else {
			seen[key] = i
		}
	}

	return errors.Join(errs...)
}
