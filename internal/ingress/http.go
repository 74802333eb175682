package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxBodyBytes bounds one request body: a full batch of maximally
// truncated prompt+response pairs plus slack.
const maxBodyBytes = 32 << 20

// Handler exposes the push intake over HTTP: POST /telemetry accepting
// a single JSON record or a JSON array. Responses are 202 on any
// partial success, 400 only when the body itself is unparseable, and
// 429 with Retry-After under back-pressure.
type Handler struct {
	adapter *Adapter
	logger  *zap.Logger
}

func NewHandler(adapter *Adapter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{adapter: adapter, logger: logger}
}

// Routes mounts the intake endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/telemetry", h.postTelemetry)
	return r
}

func (h *Handler) postTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	payloads, err := parseBody(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.adapter.Submit(r.Context(), payloads)
	if errors.Is(err, ErrOverloaded) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, res)
		return
	}
	if err != nil {
		h.logger.Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
