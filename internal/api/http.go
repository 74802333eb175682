// Package api fronts the incident query surface with HTTP:
// list, get, transition, and the two server-push streams (new
// incidents, status transitions) as Server-Sent Events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/llmobs/telemetry-pipeline/internal/pipeline"
	"github.com/llmobs/telemetry-pipeline/internal/store"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// Handler serves the incident API.
type Handler struct {
	service  *pipeline.IncidentService
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

func NewHandler(service *pipeline.IncidentService, p *pipeline.Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, pipeline: p, logger: logger}
}

// Routes mounts the incident endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.listIncidents)
		r.Get("/stream", h.streamIncidents)
		r.Get("/transitions/stream", h.streamTransitions)
		r.Get("/{id}", h.getIncident)
		r.Post("/{id}/transition", h.transitionIncident)
	})
	return r
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	var filter store.Filter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := telemetry.IncidentStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		severity := telemetry.Severity(raw)
		if !severity.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", raw))
			return
		}
		filter.Severity = &severity
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be ISO-8601")
			return
		}
		filter.Since = &since
	}

	limit := store.MaxQueryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > store.MaxQueryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", store.MaxQueryLimit))
			return
		}
		limit = parsed
	}

	incidents, err := h.service.List(r.Context(), filter, limit)
	if err != nil {
		h.logger.Error("incident list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if incidents == nil {
		incidents = []*telemetry.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		h.logger.Error("incident get failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	Status telemetry.IncidentStatus `json:"status"`
}

func (h *Handler) transitionIncident(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"status\": \"...\"}")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	inc, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	var illegal *telemetry.ErrIllegalTransition
	if errors.As(err, &illegal) {
		writeError(w, http.StatusConflict, illegal.Error())
		return
	}
	if err != nil {
		h.logger.Error("incident transition failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) streamIncidents(w http.ResponseWriter, r *http.Request) {
	events, cancel := h.pipeline.SubscribeIncidents()
	defer cancel()
	serveSSE(w, r, func(write func(data []byte) error) error {
		for {
			select {
			case <-r.Context().Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if err := write(data); err != nil {
					return err
				}
			}
		}
	})
}

func (h *Handler) streamTransitions(w http.ResponseWriter, r *http.Request) {
	events, cancel := h.pipeline.SubscribeTransitions()
	defer cancel()
	serveSSE(w, r, func(write func(data []byte) error) error {
		for {
			select {
			case <-r.Context().Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if err := write(data); err != nil {
					return err
				}
			}
		}
	})
}

// serveSSE sets up the event-stream response and hands the loop a
// flush-on-write sender.
func serveSSE(w http.ResponseWriter, r *http.Request, loop func(write func(data []byte) error) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = loop(func(data []byte) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
