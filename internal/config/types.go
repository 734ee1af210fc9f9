package config

import "time"

// Config is the complete runnerctl configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	GCP       GCPConfig       `yaml:"gcp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	GitHub    GitHubConfig    `yaml:"github"`
	NATS      NATSConfig      `yaml:"nats,omitempty"`
	Runners   []RunnerConfig  `yaml:"runners"`

	// SourcePath is the file the config was read from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines the HTTP service.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Listen    string `yaml:"listen"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	// LogFormat is json, text or gcp. Defaults to gcp on Cloud Run.
	LogFormat string `yaml:"log_format"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize     string        `yaml:"max_body_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// GCPConfig locates the project owning the runner VMs.
type GCPConfig struct {
	Project        string        `yaml:"project"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Scheduler drivers.
const (
	DriverCloudTasks = "cloudtasks"
	DriverLocal      = "local"
)

// SchedulerConfig selects and configures delayed stop delivery.
type SchedulerConfig struct {
	Driver           string        `yaml:"driver"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`

	// Cloud Tasks
	Location       string `yaml:"location"`
	Queue          string `yaml:"queue"`
	ServiceAccount string `yaml:"service_account"`

	// Local SQLite queue
	DBPath       string        `yaml:"db_path"`
	LockPath     string        `yaml:"lock_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// SecretsConfig holds the shared secrets. Webhook authenticates GitHub
// deliveries; Control authenticates start/stop calls.
type SecretsConfig struct {
	Webhook string `yaml:"webhook"`
	Control string `yaml:"control"`
}

// Busy check modes.
const (
	BusyCheckRunner       = "runner"
	BusyCheckWorkflowRuns = "workflow_runs"
)

// GitHubConfig configures the busy check. With no credentials the check is
// disabled and runners are always treated as idle.
type GitHubConfig struct {
	Host           string        `yaml:"host"`
	AppID          int64         `yaml:"app_id"`
	InstallationID int64         `yaml:"installation_id"`
	PrivateKey     string        `yaml:"private_key"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	Token          string        `yaml:"token"`
	BusyCheck      string        `yaml:"busy_check"`
	Timeout        time.Duration `yaml:"timeout"`
}

// NATSConfig enables lifecycle event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RunnerConfig is one routing table entry. Field names match the
// RUNNER_CONFIG JSON format.
type RunnerConfig struct {
	Repo       string   `yaml:"repo" json:"repo"`
	Labels     []string `yaml:"labels" json:"labels"`
	Name       string   `yaml:"vm_instance_name" json:"vm_instance_name"`
	Zone       string   `yaml:"vm_instance_zone" json:"vm_instance_zone"`
	RunnerName string   `yaml:"runner_name,omitempty" json:"runner_name,omitempty"`
}

// Defaults returns a Config with every optional setting filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "runnerctl",
			Listen:          ":8080",
			LogLevel:        "info",
			LogFormat:       "json",
			MaxBodySize:     "1MB",
			ShutdownTimeout: 10 * time.Second,
			EventBuffer:     200,
		},
		GCP: GCPConfig{
			RequestTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Driver:           DriverCloudTasks,
			InactivityWindow: 3 * time.Minute,
			DBPath:           "./data/tasks.db",
			LockPath:         "./data/runnerctl.lock",
			PollInterval:     5 * time.Second,
			MaxAttempts:      3,
		},
		GitHub: GitHubConfig{
			Host:      "github.com",
			BusyCheck: BusyCheckRunner,
			Timeout:   10 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "runnerctl",
		},
	}
}
