package lifecycle

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
)

// BusyGate decides whether a VM may be stopped. It fails open: when the CI
// status cannot be determined the runner is reported idle.
type BusyGate struct {
	provider CIStatusProvider
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewBusyGate returns a gate over provider. A nil provider disables the check.
func NewBusyGate(provider CIStatusProvider, rec *metrics.Recorder, logger *slog.Logger) *BusyGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusyGate{provider: provider, metrics: rec, logger: logger}
}

func (g *BusyGate) IsBusy(ctx context.Context, t target.VMTarget) RunnerStatus {
	if g.provider == nil {
		g.logger.Debug("busy check disabled, no CI status provider", "vm", t.String())
		g.metrics.BusyCheck("skipped")
		return RunnerStatus{}
	}

	status, err := g.provider.RunnerStatus(ctx, t)
	if err != nil {
		g.logger.Error("busy check failed, treating runner as idle",
			"vm", t.String(),
			"runner", t.Runner(),
			"error", err,
		)
		g.metrics.BusyCheck("error")
		g.metrics.CollaboratorError("ci_status")
		return RunnerStatus{}
	}

	if status.Busy {
		g.metrics.BusyCheck("busy")
	} else {
		g.metrics.BusyCheck("idle")
	}
	g.logger.Debug("busy check", "vm", t.String(), "runner", t.Runner(), "busy", status.Busy, "found", status.Found)
	return status
}
