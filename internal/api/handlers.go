package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

// handleWebhook handles POST /github/webhook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.Webhook(eventUnverified, "too_large")
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.metrics.Webhook(eventUnverified, "bad_request")
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !s.webhook.Verify(body, r.Header.Get(webhook.SignatureHeader)) {
		s.metrics.Webhook(eventUnverified, "invalid_signature")
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get(webhook.EventHeader)
	label := metricEvent(event)
	if event != webhook.EventWorkflowJob {
		s.logger.Debug("github event ignored", "event", event)
		s.metrics.Webhook(label, "ignored")
		respondJSON(w, http.StatusOK, WebhookResponse{Status: "ok"})
		return
	}

	jobEvent, err := webhook.ParseJobEvent(body)
	if err != nil {
		s.metrics.Webhook(label, "bad_request")
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	s.logger.Info("github event received", "event", event, "action", jobEvent.RawAction, "repo", jobEvent.Repo)

	outcome, err := s.lifecycle.HandleJobEvent(r.Context(), jobEvent)
	if err != nil {
		s.metrics.Webhook(label, "error")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.Webhook(label, string(outcome.Decision))
	respondJSON(w, http.StatusOK, WebhookResponse{Status: "ok", Decision: string(outcome.Decision)})
}

// eventUnverified labels deliveries rejected before the signature passed.
const eventUnverified = "unverified"

// metricEvent keeps the event label to a fixed set; the header is client input.
func metricEvent(event string) string {
	switch event {
	case webhook.EventWorkflowJob, webhook.EventPing:
		return event
	default:
		return "other"
	}
}

// handleStart handles POST /runner/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolveTarget(w, r)
	if !ok {
		return
	}
	res, err := s.lifecycle.Start(r.Context(), t)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleStop handles POST /runner/stop. This is also the delayed stop
// callback delivered by the task scheduler.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolveTarget(w, r)
	if !ok {
		return
	}
	res, err := s.lifecycle.Stop(r.Context(), t)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// resolveTarget decodes the optional control body. An empty body selects
// the default target.
func (s *Server) resolveTarget(w http.ResponseWriter, r *http.Request) (t target.VMTarget, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return t, false
	}

	var req ControlRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return t, false
		}
	}

	t, err = s.lifecycle.Resolve(req.Instance, req.Zone)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoDefaultTarget) || errors.Is(err, lifecycle.ErrIncompleteTarget) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return t, false
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return t, false
	}
	return t, true
}

// handleHealth handles GET /health (no auth).
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleInfo handles GET / (no auth).
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := s.config.Info
	info.RunnerConfigs = make([]RunnerInfo, 0)
	for _, t := range s.lifecycle.Targets() {
		info.RunnerConfigs = append(info.RunnerConfigs, RunnerInfo{
			Repo:     t.Repo,
			Labels:   t.Labels.Sorted(),
			Instance: t.Name,
			Zone:     t.Zone,
		})
	}
	respondJSON(w, http.StatusOK, info)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Info))
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
