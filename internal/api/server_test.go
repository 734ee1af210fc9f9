package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runnerctl/internal/api"
	"github.com/mattjoyce/runnerctl/internal/auth"
	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/events"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/lifecycle/mocks"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

const (
	webhookSecret = "hook-secret"
	controlSecret = "control-secret"
)

var (
	gpuVM = target.VMTarget{
		Name:   "gpu-runner",
		Zone:   "us-central1-a",
		Repo:   "acme/models",
		Labels: target.NewLabelSet("self-hosted", "gpu"),
	}
	cpuVM = target.VMTarget{
		Name:   "cpu-runner",
		Zone:   "europe-west1-b",
		Repo:   "acme/site",
		Labels: target.NewLabelSet("self-hosted"),
	}
)

// fakeScheduler keeps pending stop tasks keyed by dedupe key.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks map[string]lifecycle.StopTask
}

func (s *fakeScheduler) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[key]; !ok {
		return lifecycle.ErrTaskNotFound
	}
	delete(s.tasks, key)
	return nil
}

func (s *fakeScheduler) Schedule(_ context.Context, task lifecycle.StopTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Key] = task
	return nil
}

func (s *fakeScheduler) pending() []lifecycle.StopTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lifecycle.StopTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	return out
}

type harness struct {
	compute   *mocks.MockComputeController
	status    *mocks.MockCIStatusProvider
	scheduler *fakeScheduler
	clock     *clock.FakeClock
	hub       *events.Hub
	metrics   *metrics.Recorder
	handler   http.Handler
}

func newHarness(t *testing.T, targets ...target.VMTarget) *harness {
	t.Helper()
	if len(targets) == 0 {
		targets = []target.VMTarget{gpuVM, cpuVM}
	}
	return buildHarness(t, targets)
}

// buildHarness wires the real controller over exactly targets, which may be empty.
func buildHarness(t *testing.T, targets []target.VMTarget) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := metrics.New()

	h := &harness{
		compute:   mocks.NewMockComputeController(ctrl),
		status:    mocks.NewMockCIStatusProvider(ctrl),
		scheduler: &fakeScheduler{tasks: make(map[string]lifecycle.StopTask)},
		clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		hub:       events.NewHub(16),
		metrics:   rec,
	}

	controller := lifecycle.NewController(lifecycle.Deps{
		Matcher: target.NewMatcher(targets),
		Compute: h.compute,
		Debouncer: lifecycle.NewStopDebouncer(h.scheduler, h.clock, lifecycle.DebouncerConfig{
			InactivityWindow: 3 * time.Minute,
			PublicURL:        "https://runnerctl.example.run.app",
			Secret:           controlSecret,
		}, rec, logger),
		Gate:    lifecycle.NewBusyGate(h.status, rec, logger),
		Hub:     h.hub,
		Metrics: rec,
		Logger:  logger,
	})

	srv := api.New(api.Config{
		MaxBodyBytes: 4096,
		Info: api.InfoResponse{
			Service:         "runnerctl",
			Version:         "test",
			InactiveMinutes: 3,
			Scheduler:       "cloudtasks",
			BusyCheck:       "runner",
		},
	}, api.Deps{
		Lifecycle: controller,
		Webhook:   webhook.NewSignatureVerifier(webhookSecret, logger),
		Control:   auth.NewSecretVerifier(controlSecret),
		Hub:       h.hub,
		Metrics:   rec,
		Logger:    logger,
	})
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func jobPayload(action, repo string, labels ...string) []byte {
	b, _ := json.Marshal(map[string]any{
		"action":       action,
		"repository":   map[string]any{"full_name": repo},
		"workflow_job": map[string]any{"labels": labels},
	})
	return b
}

func webhookRequest(body []byte, event string, sign bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set(webhook.EventHeader, event)
	}
	if sign {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, webhookSecret))
	}
	return req
}

func controlRequest(path, body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(auth.SecretHeader, secret)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestWebhookRejectsUnsignedDelivery(t *testing.T) {
	h := newHarness(t)

	rr := h.do(webhookRequest(jobPayload("queued", "acme/models", "self-hosted", "gpu"), webhook.EventWorkflowJob, false))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid signature", decode[api.ErrorResponse](t, rr).Error)
	assert.Empty(t, h.scheduler.pending())
}

func TestWebhookRejectsWrongSignature(t *testing.T) {
	h := newHarness(t)
	body := jobPayload("queued", "acme/models", "self-hosted", "gpu")
	req := webhookRequest(body, webhook.EventWorkflowJob, false)
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, "other-secret"))

	rr := h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookQueuedStartsMatchingVM(t *testing.T) {
	h := newHarness(t)
	h.compute.EXPECT().EnsureStarted(gomock.Any(), gpuVM).
		Return(lifecycle.PowerResult{Changed: true, Operation: "op-1"}, nil).Times(1)

	rr := h.do(webhookRequest(jobPayload("queued", "acme/models", "gpu", "self-hosted", "linux"), webhook.EventWorkflowJob, true))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[api.WebhookResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, string(lifecycle.DecisionStarted), resp.Decision)
}

func TestWebhookCompletedTwiceLeavesOneStop(t *testing.T) {
	h := newHarness(t)
	body := jobPayload("completed", "acme/models", "self-hosted", "gpu")

	require.Equal(t, http.StatusOK, h.do(webhookRequest(body, webhook.EventWorkflowJob, true)).Code)
	h.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, h.do(webhookRequest(body, webhook.EventWorkflowJob, true)).Code)

	pending := h.scheduler.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, h.clock.Now().Add(3*time.Minute), pending[0].At)
	assert.Equal(t, "https://runnerctl.example.run.app/runner/stop", pending[0].URL)
	assert.Equal(t, gpuVM.Name, pending[0].Target.Name)
}

func TestWebhookIgnoresOtherEventsAndUnmatchedJobs(t *testing.T) {
	h := newHarness(t)

	rr := h.do(webhookRequest([]byte(`{"zen":"Keep it logically awesome."}`), "ping", true))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, api.WebhookResponse{Status: "ok"}, decode[api.WebhookResponse](t, rr))

	rr = h.do(webhookRequest(jobPayload("queued", "acme/unknown", "self-hosted"), webhook.EventWorkflowJob, true))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(lifecycle.DecisionUnmatched), decode[api.WebhookResponse](t, rr).Decision)

	rr = h.do(webhookRequest(jobPayload("in_progress", "acme/models", "self-hosted", "gpu"), webhook.EventWorkflowJob, true))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(lifecycle.DecisionIgnored), decode[api.WebhookResponse](t, rr).Decision)
}

func TestWebhookBadPayloads(t *testing.T) {
	h := newHarness(t)

	rr := h.do(webhookRequest([]byte(`{not json`), webhook.EventWorkflowJob, true))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	big := []byte(`{"pad":"` + strings.Repeat("x", 5000) + `"}`)
	rr = h.do(webhookRequest(big, webhook.EventWorkflowJob, true))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestWebhookComputeFailureIs500(t *testing.T) {
	h := newHarness(t)
	h.compute.EXPECT().EnsureStarted(gomock.Any(), gpuVM).
		Return(lifecycle.PowerResult{}, errors.New("quota exceeded"))

	rr := h.do(webhookRequest(jobPayload("queued", "acme/models", "self-hosted", "gpu"), webhook.EventWorkflowJob, true))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rr).Error, "quota exceeded")
}

func TestControlEndpointsRequireSecret(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/runner/start", "/runner/stop"} {
		rr := h.do(controlRequest(path, "", ""))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)

		rr = h.do(controlRequest(path, "", "wrong"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusUnauthorized, h.do(req).Code)
}

func TestStartNamedAndDefaultTarget(t *testing.T) {
	t.Run("named target", func(t *testing.T) {
		h := newHarness(t)
		h.compute.EXPECT().EnsureStarted(gomock.Any(), cpuVM).Return(lifecycle.PowerResult{}, nil)

		rr := h.do(controlRequest("/runner/start", `{"vm_instance_name":"cpu-runner","vm_instance_zone":"europe-west1-b"}`, controlSecret))

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"status":"already_running"}`, rr.Body.String())
	})

	t.Run("empty body with one target", func(t *testing.T) {
		h := newHarness(t, gpuVM)
		h.compute.EXPECT().EnsureStarted(gomock.Any(), gpuVM).
			Return(lifecycle.PowerResult{Changed: true, Operation: "op-7"}, nil)

		rr := h.do(controlRequest("/runner/start", "", controlSecret))

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"status":"starting","operation":"op-7"}`, rr.Body.String())
	})

	t.Run("empty body with several targets", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(controlRequest("/runner/start", "", controlSecret))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("half a target", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(controlRequest("/runner/start", `{"vm_instance_name":"gpu-runner"}`, controlSecret))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(controlRequest("/runner/start", `{`, controlSecret))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStopBusyRunnerIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.status.EXPECT().RunnerStatus(gomock.Any(), gpuVM).Return(lifecycle.RunnerStatus{Busy: true, Found: true}, nil)
	// No Stop expectation: gomock fails the test if compute is called.

	req := controlRequest("/runner/stop", `{"vm_instance_name":"gpu-runner","vm_instance_zone":"us-central1-a"}`, controlSecret)
	req.Header.Del(auth.SecretHeader)
	req.Header.Set("Authorization", "Bearer "+controlSecret)
	rr := h.do(req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"status":"skipped","reason":"busy"}`, rr.Body.String())
}

func TestStopIdleRunner(t *testing.T) {
	h := newHarness(t)
	h.status.EXPECT().RunnerStatus(gomock.Any(), gpuVM).Return(lifecycle.RunnerStatus{Found: true}, nil)
	h.compute.EXPECT().Stop(gomock.Any(), gpuVM).Return(lifecycle.PowerResult{Changed: true, Operation: "op-stop"}, nil)

	rr := h.do(controlRequest("/runner/stop", `{"vm_instance_name":"gpu-runner","vm_instance_zone":"us-central1-a"}`, controlSecret))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"status":"stopping","operation":"op-stop"}`, rr.Body.String())

	rr = h.do(httptest.NewRequest(http.MethodGet, "/events?since=0", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set(auth.SecretHeader, controlSecret)
	rr = h.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.EventsResponse](t, rr)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TypeRunnerStop, resp.Events[0].Type)
	assert.Equal(t, "gpu-runner", resp.Events[0].VM)
}

func TestEventsFilterByVM(t *testing.T) {
	h := newHarness(t)
	h.hub.Publish(events.TypeRunnerStart, "gpu-runner", nil)
	h.hub.Publish(events.TypeRunnerStart, "cpu-runner", nil)

	req := httptest.NewRequest(http.MethodGet, "/events?vm=cpu-runner", nil)
	req.Header.Set(auth.SecretHeader, controlSecret)
	rr := h.do(req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.EventsResponse](t, rr)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(2), resp.Events[0].ID)
	assert.Equal(t, "cpu-runner", resp.Events[0].VM)
}

func TestStopComputeFailureIs500(t *testing.T) {
	h := newHarness(t)
	h.status.EXPECT().RunnerStatus(gomock.Any(), cpuVM).Return(lifecycle.RunnerStatus{}, nil)
	h.compute.EXPECT().Stop(gomock.Any(), cpuVM).Return(lifecycle.PowerResult{}, errors.New("permission denied"))

	rr := h.do(controlRequest("/runner/stop", `{"vm_instance_name":"cpu-runner","vm_instance_zone":"europe-west1-b"}`, controlSecret))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "permission denied")
}

func TestHealthInfoMetricsAndOpenAPI(t *testing.T) {
	h := newHarness(t)

	rr := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode[api.HealthResponse](t, rr).Status)

	rr = h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	info := decode[api.InfoResponse](t, rr)
	assert.Equal(t, "runnerctl", info.Service)
	assert.Equal(t, float64(3), info.InactiveMinutes)
	require.Len(t, info.RunnerConfigs, 2)
	assert.Equal(t, api.RunnerInfo{
		Repo:     "acme/models",
		Labels:   []string{"gpu", "self-hosted"},
		Instance: "gpu-runner",
		Zone:     "us-central1-a",
	}, info.RunnerConfigs[0])
	assert.NotContains(t, rr.Body.String(), controlSecret)
	assert.NotContains(t, rr.Body.String(), webhookSecret)

	h.do(webhookRequest([]byte(`{}`), "ping", true))
	rr = h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `runnerctl_webhook_deliveries_total{event="ping",outcome="ignored"} 1`)

	rr = h.do(httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decode[map[string]any](t, rr)
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/github/webhook")
	assert.Contains(t, paths, "/runner/stop")
}

func TestNoTargetsConfigured(t *testing.T) {
	h := buildHarness(t, nil)
	// No compute or scheduler expectations: nothing may be started or stopped.

	for _, action := range []string{"queued", "completed"} {
		rr := h.do(webhookRequest(jobPayload(action, "acme/models", "self-hosted", "gpu"), "workflow_job", true))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"status":"ok","decision":"unmatched"}`, rr.Body.String())
	}
	assert.Empty(t, h.scheduler.tasks)

	for _, path := range []string{"/runner/start", "/runner/stop"} {
		rr := h.do(controlRequest(path, "", controlSecret))
		require.Equal(t, http.StatusBadRequest, rr.Code, path)
		assert.Contains(t, decode[api.ErrorResponse](t, rr).Error, "no default target")
	}

	rr := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[api.InfoResponse](t, rr).RunnerConfigs)
}

func TestWebhookMetricLabelsAreBounded(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 50; i++ {
		rr := h.do(webhookRequest(jobPayload("queued", "acme/models"), fmt.Sprintf("junk-%d", i), false))
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	for i := 0; i < 50; i++ {
		rr := h.do(webhookRequest([]byte(`{}`), fmt.Sprintf("signed-junk-%d", i), true))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "runnerctl_webhook_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one unverified series and one ignored series")

	assert.Equal(t, map[string]float64{
		"unverified/invalid_signature": 50,
		"other/ignored":                50,
	}, webhookSeries(t, h.metrics))
}

// webhookSeries returns webhook delivery counts keyed by "event/outcome".
func webhookSeries(t *testing.T, rec *metrics.Recorder) map[string]float64 {
	t.Helper()
	families, err := rec.Registry().Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "runnerctl_webhook_deliveries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[labels["event"]+"/"+labels["outcome"]] = m.GetCounter().GetValue()
		}
	}
	return out
}
