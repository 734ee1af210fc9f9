package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
)

// StopPath is the control endpoint delayed stop tasks are delivered to.
const StopPath = "/runner/stop"

// StopTicket describes the single pending stop for a target.
type StopTicket struct {
	Target      target.VMTarget
	DedupeKey   string
	ScheduledAt time.Time
}

// DebouncerConfig is the fixed part of every scheduled stop.
type DebouncerConfig struct {
	InactivityWindow time.Duration
	// PublicURL is the externally reachable base URL of this service.
	PublicURL string
	Secret    string
}

// StopDebouncer keeps at most one pending delayed stop per target by
// cancelling the previous task before scheduling a new one.
type StopDebouncer struct {
	scheduler TaskScheduler
	clock     clock.Clock
	cfg       DebouncerConfig
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

func NewStopDebouncer(s TaskScheduler, clk clock.Clock, cfg DebouncerConfig, rec *metrics.Recorder, logger *slog.Logger) *StopDebouncer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StopDebouncer{
		scheduler: s,
		clock:     clk,
		cfg:       cfg,
		metrics:   rec,
		logger:    logger,
	}
}

// StopURL is where scheduled stop tasks are POSTed.
func (d *StopDebouncer) StopURL() string {
	return strings.TrimRight(d.cfg.PublicURL, "/") + StopPath
}

// ScheduleStop replaces any pending stop for t with one due after the
// inactivity window.
func (d *StopDebouncer) ScheduleStop(ctx context.Context, t target.VMTarget) (StopTicket, error) {
	key := target.DedupeKey(t)

	if err := d.scheduler.Cancel(ctx, key); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			d.logger.Debug("no pending stop to cancel", "vm", t.String(), "key", key)
		} else {
			// A stale task still passes through the busy gate when it fires.
			d.logger.Warn("cancel pending stop failed", "vm", t.String(), "key", key, "error", err)
			d.metrics.CollaboratorError("scheduler")
		}
	}

	at := d.clock.Now().Add(d.cfg.InactivityWindow)
	task := StopTask{
		Key:    key,
		Target: t,
		URL:    d.StopURL(),
		Secret: d.cfg.Secret,
		At:     at,
	}
	if err := d.scheduler.Schedule(ctx, task); err != nil {
		d.metrics.CollaboratorError("scheduler")
		return StopTicket{}, fmt.Errorf("schedule stop for %s: %w", t, err)
	}

	d.logger.Info("stop scheduled", "vm", t.String(), "key", key, "scheduled_at", at.UTC().Format(time.RFC3339))
	return StopTicket{Target: t, DedupeKey: key, ScheduledAt: at}, nil
}
