// Package metrics exposes lifecycle counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can create independent instances.
// All methods are safe on a nil Recorder.
type Recorder struct {
	registry *prometheus.Registry

	webhooks     *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	busyChecks   *prometheus.CounterVec
	collaborator *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerctl",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerctl",
			Name:      "lifecycle_decisions_total",
			Help:      "Lifecycle decisions by VM and decision.",
		}, []string{"vm", "decision"}),
		busyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerctl",
			Name:      "busy_checks_total",
			Help:      "Busy checks by result (busy, idle, error, skipped).",
		}, []string{"result"}),
		collaborator: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerctl",
			Name:      "collaborator_errors_total",
			Help:      "Failed calls to compute, scheduler and CI status backends.",
		}, []string{"collaborator"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.webhooks,
		r.decisions,
		r.busyChecks,
		r.collaborator,
	)
	return r
}

func (r *Recorder) Webhook(event, outcome string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(event, outcome).Inc()
}

func (r *Recorder) Decision(vm, decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(vm, decision).Inc()
}

func (r *Recorder) BusyCheck(result string) {
	if r == nil {
		return
	}
	r.busyChecks.WithLabelValues(result).Inc()
}

func (r *Recorder) CollaboratorError(name string) {
	if r == nil {
		return
	}
	r.collaborator.WithLabelValues(name).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
