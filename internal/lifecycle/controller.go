// Package lifecycle decides when the runner VM is started and stopped.
//
// A queued workflow job that matches a target starts its VM. A completed job
// schedules a delayed stop, replacing any earlier pending stop for the same
// VM. When the delayed stop fires, the VM is stopped unless its runner is
// still busy. The compute layer is the source of truth for power state; the
// controller keeps no state between requests.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/runnerctl/internal/events"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

var (
	// ErrNoDefaultTarget means a control request named no instance and the
	// deployment has more or fewer than one target.
	ErrNoDefaultTarget = errors.New("no default target: vm_instance_name and vm_instance_zone are required")
	// ErrIncompleteTarget means only one of name and zone was given.
	ErrIncompleteTarget = errors.New("vm_instance_name and vm_instance_zone must be given together")
)

// Start statuses.
const (
	StatusStarting       = "starting"
	StatusAlreadyRunning = "already_running"
)

// Stop statuses.
const (
	StatusStopping       = "stopping"
	StatusAlreadyStopped = "already_stopped"
	StatusSkipped        = "skipped"

	ReasonBusy = "busy"
)

type StartResult struct {
	Status    string `json:"status"`
	Operation string `json:"operation,omitempty"`
}

type StopResult struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Decision names what HandleJobEvent did with an event.
type Decision string

const (
	DecisionIgnored       Decision = "ignored"
	DecisionUnmatched     Decision = "unmatched"
	DecisionStarted       Decision = "started"
	DecisionStopScheduled Decision = "stop_scheduled"
)

// Outcome is the result of handling one job event.
type Outcome struct {
	Decision Decision
	Target   target.VMTarget
	Start    *StartResult
	Ticket   *StopTicket
}

// Controller orchestrates matching, starting, stop scheduling and gated stops.
type Controller struct {
	matcher   *target.Matcher
	compute   ComputeController
	debouncer *StopDebouncer
	gate      *BusyGate
	hub       *events.Hub
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// Deps are the Controller's collaborators. Hub and Metrics may be nil.
type Deps struct {
	Matcher   *target.Matcher
	Compute   ComputeController
	Debouncer *StopDebouncer
	Gate      *BusyGate
	Hub       *events.Hub
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

func NewController(d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := d.Gate
	if gate == nil {
		gate = NewBusyGate(nil, d.Metrics, logger)
	}
	return &Controller{
		matcher:   d.Matcher,
		compute:   d.Compute,
		debouncer: d.Debouncer,
		gate:      gate,
		hub:       d.Hub,
		metrics:   d.Metrics,
		logger:    logger,
	}
}

// Targets returns the routing table.
func (c *Controller) Targets() []target.VMTarget {
	return c.matcher.Targets()
}

// HandleJobEvent applies one workflow_job event. Unmatched events and
// actions other than queued and completed are acknowledged without effect.
func (c *Controller) HandleJobEvent(ctx context.Context, ev webhook.JobEvent) (Outcome, error) {
	if ev.Action != webhook.ActionQueued && ev.Action != webhook.ActionCompleted {
		c.logger.Debug("workflow job action ignored", "repo", ev.Repo, "action", ev.RawAction)
		return Outcome{Decision: DecisionIgnored}, nil
	}

	t, ok := c.matcher.Match(ev.Repo, ev.Labels)
	if !ok {
		c.logger.Info("workflow job matched no runner",
			"repo", ev.Repo,
			"action", string(ev.Action),
			"labels", ev.Labels.Sorted(),
		)
		return Outcome{Decision: DecisionUnmatched}, nil
	}

	switch ev.Action {
	case webhook.ActionQueued:
		res, err := c.Start(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionStarted, Target: t, Start: &res}, nil
	default:
		ticket, err := c.ScheduleStop(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionStopScheduled, Target: t, Ticket: &ticket}, nil
	}
}

// Start ensures the target VM is running.
func (c *Controller) Start(ctx context.Context, t target.VMTarget) (StartResult, error) {
	res, err := c.compute.EnsureStarted(ctx, t)
	if err != nil {
		c.metrics.CollaboratorError("compute")
		c.logger.Error("start vm failed", "vm", t.String(), "error", err)
		return StartResult{}, fmt.Errorf("start %s: %w", t, err)
	}

	out := StartResult{Status: StatusAlreadyRunning}
	if res.Changed {
		out = StartResult{Status: StatusStarting, Operation: res.Operation}
	}

	c.logger.Info("start vm", "vm", t.String(), "status", out.Status, "operation", out.Operation)
	c.metrics.Decision(t.Name, out.Status)
	c.hub.Publish(events.TypeRunnerStart, t.Name, eventPayload{
		Instance:  t.Name,
		Zone:      t.Zone,
		Status:    out.Status,
		Operation: out.Operation,
	})
	return out, nil
}

// ScheduleStop debounces a stop for t.
func (c *Controller) ScheduleStop(ctx context.Context, t target.VMTarget) (StopTicket, error) {
	ticket, err := c.debouncer.ScheduleStop(ctx, t)
	if err != nil {
		c.logger.Error("schedule stop failed", "vm", t.String(), "error", err)
		return StopTicket{}, err
	}

	at := ticket.ScheduledAt.UTC()
	c.metrics.Decision(t.Name, string(DecisionStopScheduled))
	c.hub.Publish(events.TypeRunnerStopScheduled, t.Name, eventPayload{
		Instance:    t.Name,
		Zone:        t.Zone,
		ScheduledAt: &at,
	})
	return ticket, nil
}

// Stop powers off the target VM unless its runner is busy. Targets missing
// from the routing table are stopped without a busy check.
func (c *Controller) Stop(ctx context.Context, t target.VMTarget) (StopResult, error) {
	configured, known := c.matcher.Lookup(t.Name, t.Zone)
	if known {
		if status := c.gate.IsBusy(ctx, configured); status.Busy {
			c.logger.Info("stop skipped, runner busy", "vm", t.String(), "runner", configured.Runner())
			c.metrics.Decision(t.Name, StatusSkipped)
			c.hub.Publish(events.TypeRunnerStopSkipped, t.Name, eventPayload{
				Instance: t.Name,
				Zone:     t.Zone,
				Status:   StatusSkipped,
				Reason:   ReasonBusy,
			})
			return StopResult{Status: StatusSkipped, Reason: ReasonBusy}, nil
		}
		t = configured
	} else {
		c.logger.Warn("stop requested for unconfigured vm, skipping busy check", "vm", t.String())
	}

	res, err := c.compute.Stop(ctx, t)
	if err != nil {
		c.metrics.CollaboratorError("compute")
		c.logger.Error("stop vm failed", "vm", t.String(), "error", err)
		return StopResult{}, fmt.Errorf("stop %s: %w", t, err)
	}

	out := StopResult{Status: StatusAlreadyStopped}
	if res.Changed {
		out = StopResult{Status: StatusStopping, Operation: res.Operation}
	}

	c.logger.Info("stop vm", "vm", t.String(), "status", out.Status, "operation", out.Operation)
	c.metrics.Decision(t.Name, out.Status)
	c.hub.Publish(events.TypeRunnerStop, t.Name, eventPayload{
		Instance:  t.Name,
		Zone:      t.Zone,
		Status:    out.Status,
		Operation: out.Operation,
	})
	return out, nil
}

// Resolve maps a control request body to a target. Empty name and zone select
// the default target; an unknown pair yields an unconfigured target.
func (c *Controller) Resolve(name, zone string) (target.VMTarget, error) {
	if name == "" && zone == "" {
		t, ok := c.matcher.Default()
		if !ok {
			return target.VMTarget{}, ErrNoDefaultTarget
		}
		return t, nil
	}
	if name == "" || zone == "" {
		return target.VMTarget{}, ErrIncompleteTarget
	}
	if t, ok := c.matcher.Lookup(name, zone); ok {
		return t, nil
	}
	return target.VMTarget{Name: name, Zone: zone}, nil
}

type eventPayload struct {
	Instance    string     `json:"vm_instance_name"`
	Zone        string     `json:"vm_instance_zone"`
	Status      string     `json:"status,omitempty"`
	Operation   string     `json:"operation,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}
