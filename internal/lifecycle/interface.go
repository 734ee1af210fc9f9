package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/runnerctl/internal/auth"
	"github.com/mattjoyce/runnerctl/internal/target"
)

//go:generate mockgen -destination=mocks/mock_lifecycle.go -package=mocks github.com/mattjoyce/runnerctl/internal/lifecycle ComputeController,TaskScheduler,CIStatusProvider

// ErrTaskNotFound is returned by TaskScheduler.Cancel when nothing is pending
// under the key. Callers treat it as success.
var ErrTaskNotFound = errors.New("task not found")

// PowerResult reports whether a power operation changed the instance.
type PowerResult struct {
	Changed   bool
	Operation string
}

// ComputeController powers a VM on and off. Both calls are idempotent:
// starting a running VM and stopping a stopped VM return Changed=false.
type ComputeController interface {
	EnsureStarted(ctx context.Context, t target.VMTarget) (PowerResult, error)
	Stop(ctx context.Context, t target.VMTarget) (PowerResult, error)
}

// StopTask is one delayed authenticated POST to the stop endpoint.
type StopTask struct {
	Key    string
	Target target.VMTarget
	URL    string
	Secret string
	At     time.Time
}

type stopBody struct {
	Name string `json:"vm_instance_name"`
	Zone string `json:"vm_instance_zone"`
}

// Body returns the JSON payload delivered to the stop endpoint.
func (t StopTask) Body() []byte {
	b, _ := json.Marshal(stopBody{Name: t.Target.Name, Zone: t.Target.Zone})
	return b
}

// Headers returns the HTTP headers delivered with the task.
func (t StopTask) Headers() map[string]string {
	return map[string]string{
		"Content-Type":    "application/json",
		auth.SecretHeader: t.Secret,
	}
}

// TaskScheduler delivers StopTasks at their due time.
type TaskScheduler interface {
	// Cancel removes every pending task under key. Returns ErrTaskNotFound
	// (possibly wrapped) when there was none.
	Cancel(ctx context.Context, key string) error
	Schedule(ctx context.Context, task StopTask) error
}

// RunnerStatus is the transient result of a busy check.
type RunnerStatus struct {
	Busy  bool
	Found bool
}

// CIStatusProvider answers whether the runner on a target is executing work.
type CIStatusProvider interface {
	RunnerStatus(ctx context.Context, t target.VMTarget) (RunnerStatus, error)
}
