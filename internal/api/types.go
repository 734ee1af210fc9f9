package api

import (
	"time"

	"github.com/mattjoyce/runnerctl/internal/events"
)

// ControlRequest is the optional JSON body of POST /runner/start and
// POST /runner/stop.
type ControlRequest struct {
	Instance string `json:"vm_instance_name"`
	Zone     string `json:"vm_instance_zone"`
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Status   string `json:"status"`
	Decision string `json:"decision,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RunnerInfo describes one configured target. It never carries secrets.
type RunnerInfo struct {
	Repo     string   `json:"repo"`
	Labels   []string `json:"labels"`
	Instance string   `json:"vm_instance_name"`
	Zone     string   `json:"vm_instance_zone"`
}

// InfoResponse is returned by GET /.
type InfoResponse struct {
	Service           string       `json:"service"`
	Version           string       `json:"version"`
	InactiveMinutes   float64      `json:"inactive_minutes"`
	Scheduler         string       `json:"scheduler"`
	BusyCheck         string       `json:"busy_check"`
	ConfigFingerprint string       `json:"config_fingerprint,omitempty"`
	RunnerConfigs     []RunnerInfo `json:"runner_configs"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	At     time.Time      `json:"at"`
}
