package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/events"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/lifecycle/mocks"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

var (
	gpuVM = target.VMTarget{
		Name:   "gpu-runner",
		Zone:   "us-central1-a",
		Repo:   "acme/models",
		Labels: target.NewLabelSet("self-hosted", "gpu"),
	}
	cpuVM = target.VMTarget{
		Name:       "cpu-runner",
		Zone:       "europe-west1-b",
		Repo:       "acme/site",
		Labels:     target.NewLabelSet("self-hosted"),
		RunnerName: "cpu-runner-01",
	}
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// memScheduler keeps pending tasks keyed by dedupe key.
type memScheduler struct {
	mu    sync.Mutex
	tasks map[string]lifecycle.StopTask
	calls int
}

func newMemScheduler() *memScheduler {
	return &memScheduler{tasks: make(map[string]lifecycle.StopTask)}
}

func (s *memScheduler) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[key]; !ok {
		return fmt.Errorf("cancel %s: %w", key, lifecycle.ErrTaskNotFound)
	}
	delete(s.tasks, key)
	return nil
}

func (s *memScheduler) Schedule(_ context.Context, task lifecycle.StopTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if _, ok := s.tasks[task.Key]; ok {
		return errors.New("task already exists")
	}
	s.tasks[task.Key] = task
	return nil
}

type fixture struct {
	ctrl      *gomock.Controller
	compute   *mocks.MockComputeController
	status    *mocks.MockCIStatusProvider
	clock     *clock.FakeClock
	hub       *events.Hub
	logs      *bytes.Buffer
	scheduler lifecycle.TaskScheduler
}

func newFixture(t *testing.T, scheduler lifecycle.TaskScheduler) (*fixture, *lifecycle.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger, logs := newTestLogger()
	f := &fixture{
		ctrl:      ctrl,
		compute:   mocks.NewMockComputeController(ctrl),
		status:    mocks.NewMockCIStatusProvider(ctrl),
		clock:     clock.Fake(epoch),
		hub:       events.NewHub(32),
		logs:      logs,
		scheduler: scheduler,
	}
	rec := metrics.New()
	c := lifecycle.NewController(lifecycle.Deps{
		Matcher: target.NewMatcher([]target.VMTarget{gpuVM, cpuVM}),
		Compute: f.compute,
		Debouncer: lifecycle.NewStopDebouncer(scheduler, f.clock, lifecycle.DebouncerConfig{
			InactivityWindow: 3 * time.Minute,
			PublicURL:        "https://runnerctl.example.run.app/",
			Secret:           "control-secret",
		}, rec, logger),
		Gate:    lifecycle.NewBusyGate(f.status, rec, logger),
		Hub:     f.hub,
		Metrics: rec,
		Logger:  logger,
	})
	return f, c
}

func jobEvent(action webhook.Action, repo string, labels ...string) webhook.JobEvent {
	return webhook.JobEvent{
		Repo:      repo,
		Action:    action,
		RawAction: string(action),
		Labels:    target.NewLabelSet(labels...),
	}
}

func TestHandleJobEventQueuedStartsMatchedVM(t *testing.T) {
	f, c := newFixture(t, newMemScheduler())
	ctx := context.Background()

	f.compute.EXPECT().EnsureStarted(ctx, gpuVM).Return(lifecycle.PowerResult{Changed: true, Operation: "op-123"}, nil).Times(1)

	out, err := c.HandleJobEvent(ctx, jobEvent(webhook.ActionQueued, "acme/models", "self-hosted", "gpu", "linux"))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.DecisionStarted, out.Decision)
	assert.Equal(t, gpuVM.Name, out.Target.Name)
	require.NotNil(t, out.Start)
	assert.Equal(t, lifecycle.StartResult{Status: lifecycle.StatusStarting, Operation: "op-123"}, *out.Start)

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.TypeRunnerStart, snap[0].Type)
}

func TestHandleJobEventNoCollaboratorCalls(t *testing.T) {
	tests := []struct {
		name string
		ev   webhook.JobEvent
		want lifecycle.Decision
	}{
		{name: "missing label", ev: jobEvent(webhook.ActionQueued, "acme/models", "self-hosted"), want: lifecycle.DecisionUnmatched},
		{name: "other repo", ev: jobEvent(webhook.ActionCompleted, "acme/other", "self-hosted", "gpu"), want: lifecycle.DecisionUnmatched},
		{name: "in progress", ev: jobEvent(webhook.ActionOther, "acme/models", "self-hosted", "gpu"), want: lifecycle.DecisionIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := newMemScheduler()
			// Strict mocks fail the test on any unexpected call.
			f, c := newFixture(t, sched)

			out, err := c.HandleJobEvent(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Decision)
			assert.Zero(t, sched.calls)
			assert.Empty(t, f.hub.SnapshotSince(0))
		})
	}
}

func TestHandleJobEventAlreadyRunning(t *testing.T) {
	f, c := newFixture(t, newMemScheduler())
	f.compute.EXPECT().EnsureStarted(gomock.Any(), cpuVM).Return(lifecycle.PowerResult{}, nil)

	out, err := c.HandleJobEvent(context.Background(), jobEvent(webhook.ActionQueued, "acme/site", "self-hosted"))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StartResult{Status: lifecycle.StatusAlreadyRunning}, *out.Start)
}

func TestHandleJobEventStartFailure(t *testing.T) {
	f, c := newFixture(t, newMemScheduler())
	f.compute.EXPECT().EnsureStarted(gomock.Any(), gpuVM).Return(lifecycle.PowerResult{}, errors.New("quota exceeded"))

	_, err := c.HandleJobEvent(context.Background(), jobEvent(webhook.ActionQueued, "acme/models", "gpu", "self-hosted"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Contains(t, err.Error(), gpuVM.String())
}

func TestCompletedTwiceLeavesOneTicket(t *testing.T) {
	sched := newMemScheduler()
	f, c := newFixture(t, sched)
	ctx := context.Background()
	ev := jobEvent(webhook.ActionCompleted, "acme/models", "self-hosted", "gpu")

	first, err := c.HandleJobEvent(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, first.Ticket)
	assert.Equal(t, epoch.Add(3*time.Minute), first.Ticket.ScheduledAt)

	f.clock.Advance(90 * time.Second)

	second, err := c.HandleJobEvent(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, second.Ticket)
	assert.Equal(t, first.Ticket.DedupeKey, second.Ticket.DedupeKey)

	require.Len(t, sched.tasks, 1)
	task := sched.tasks[target.DedupeKey(gpuVM)]
	assert.Equal(t, epoch.Add(90*time.Second+3*time.Minute), task.At)
	assert.Equal(t, "https://runnerctl.example.run.app/runner/stop", task.URL)
	assert.Equal(t, "control-secret", task.Headers()["X-Runner-Secret"])
	assert.JSONEq(t, `{"vm_instance_name":"gpu-runner","vm_instance_zone":"us-central1-a"}`, string(task.Body()))

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, events.TypeRunnerStopScheduled, snap[1].Type)
}

func TestScheduleStopCancelErrorDoesNotFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	sched := mocks.NewMockTaskScheduler(ctrl)
	f, c := newFixture(t, sched)
	key := target.DedupeKey(cpuVM)

	gomock.InOrder(
		sched.EXPECT().Cancel(gomock.Any(), key).Return(errors.New("permission denied")),
		sched.EXPECT().Schedule(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, task lifecycle.StopTask) error {
			assert.Equal(t, key, task.Key)
			assert.Equal(t, epoch.Add(3*time.Minute), task.At)
			return nil
		}),
	)

	_, err := c.HandleJobEvent(context.Background(), jobEvent(webhook.ActionCompleted, "acme/site", "self-hosted"))
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "cancel pending stop failed")
}

func TestScheduleStopScheduleErrorFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	sched := mocks.NewMockTaskScheduler(ctrl)
	_, c := newFixture(t, sched)

	sched.EXPECT().Cancel(gomock.Any(), gomock.Any()).Return(lifecycle.ErrTaskNotFound)
	sched.EXPECT().Schedule(gomock.Any(), gomock.Any()).Return(errors.New("queue paused"))

	_, err := c.HandleJobEvent(context.Background(), jobEvent(webhook.ActionCompleted, "acme/site", "self-hosted"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue paused")
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("busy runner is skipped", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		f.status.EXPECT().RunnerStatus(ctx, cpuVM).Return(lifecycle.RunnerStatus{Busy: true, Found: true}, nil)
		// No compute.Stop expectation: calling it fails the test.

		res, err := c.Stop(ctx, target.VMTarget{Name: cpuVM.Name, Zone: cpuVM.Zone})
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StopResult{Status: lifecycle.StatusSkipped, Reason: lifecycle.ReasonBusy}, res)

		snap := f.hub.SnapshotSince(0)
		require.Len(t, snap, 1)
		assert.Equal(t, events.TypeRunnerStopSkipped, snap[0].Type)
	})

	t.Run("idle runner is stopped", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		f.status.EXPECT().RunnerStatus(ctx, cpuVM).Return(lifecycle.RunnerStatus{Found: true}, nil)
		f.compute.EXPECT().Stop(ctx, cpuVM).Return(lifecycle.PowerResult{Changed: true, Operation: "op-stop"}, nil)

		res, err := c.Stop(ctx, cpuVM)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StopResult{Status: lifecycle.StatusStopping, Operation: "op-stop"}, res)
	})

	t.Run("busy check error fails open", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		f.status.EXPECT().RunnerStatus(ctx, gpuVM).Return(lifecycle.RunnerStatus{Busy: true}, errors.New("github 502"))
		f.compute.EXPECT().Stop(ctx, gpuVM).Return(lifecycle.PowerResult{Changed: true, Operation: "op"}, nil)

		res, err := c.Stop(ctx, gpuVM)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusStopping, res.Status)
		assert.Contains(t, f.logs.String(), "busy check failed")
	})

	t.Run("already stopped", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		f.status.EXPECT().RunnerStatus(ctx, gpuVM).Return(lifecycle.RunnerStatus{}, nil)
		f.compute.EXPECT().Stop(ctx, gpuVM).Return(lifecycle.PowerResult{}, nil)

		res, err := c.Stop(ctx, gpuVM)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StopResult{Status: lifecycle.StatusAlreadyStopped}, res)
	})

	t.Run("unconfigured vm skips busy check", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		stray := target.VMTarget{Name: "stray", Zone: "asia-east1-a"}
		f.compute.EXPECT().Stop(ctx, stray).Return(lifecycle.PowerResult{Changed: true, Operation: "op"}, nil)

		res, err := c.Stop(ctx, stray)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusStopping, res.Status)
		assert.Contains(t, f.logs.String(), "unconfigured vm")
	})

	t.Run("compute failure", func(t *testing.T) {
		f, c := newFixture(t, newMemScheduler())
		f.status.EXPECT().RunnerStatus(ctx, gpuVM).Return(lifecycle.RunnerStatus{}, nil)
		f.compute.EXPECT().Stop(ctx, gpuVM).Return(lifecycle.PowerResult{}, errors.New("backend unavailable"))

		_, err := c.Stop(ctx, gpuVM)
		assert.Error(t, err)
	})
}

func TestStopEventPayload(t *testing.T) {
	f, c := newFixture(t, newMemScheduler())
	f.status.EXPECT().RunnerStatus(gomock.Any(), gpuVM).Return(lifecycle.RunnerStatus{}, nil)
	f.compute.EXPECT().Stop(gomock.Any(), gpuVM).Return(lifecycle.PowerResult{Changed: true, Operation: "op-9"}, nil)

	_, err := c.Stop(context.Background(), gpuVM)
	require.NoError(t, err)

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(snap[0].Data, &payload))
	assert.Equal(t, "gpu-runner", payload["vm_instance_name"])
	assert.Equal(t, "stopping", payload["status"])
	assert.Equal(t, "op-9", payload["operation"])
}

func TestResolve(t *testing.T) {
	_, c := newFixture(t, newMemScheduler())

	got, err := c.Resolve(gpuVM.Name, gpuVM.Zone)
	require.NoError(t, err)
	assert.Equal(t, gpuVM, got)

	got, err = c.Resolve("stray", "asia-east1-a")
	require.NoError(t, err)
	assert.Equal(t, target.VMTarget{Name: "stray", Zone: "asia-east1-a"}, got)

	_, err = c.Resolve("", "")
	assert.ErrorIs(t, err, lifecycle.ErrNoDefaultTarget)

	_, err = c.Resolve("stray", "")
	assert.ErrorIs(t, err, lifecycle.ErrIncompleteTarget)
}

func TestResolveSingleTargetDefault(t *testing.T) {
	c := lifecycle.NewController(lifecycle.Deps{
		Matcher: target.NewMatcher([]target.VMTarget{gpuVM}),
	})

	got, err := c.Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, gpuVM, got)
}
