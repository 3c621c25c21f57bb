// Package handlers exposes the check-in service over HTTP.
//
// Every mutating endpoint is safe to retry:
//
//   - POST /events/{id}/checkin and POST /checkin/scan award points at most
//     once per (user, event). A retry of a check-in that already landed
//     answers 409 with the unchanged balance, and finishes any credit the
//     first attempt left pending.
//   - Every GET is a pure read, except that GET /users/{email} repairs a
//     pending credit before reporting the balance.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkantrust/ikoot-checkin/backend/checkin"
	"github.com/arkantrust/ikoot-checkin/backend/metrics"
)

const (
	maxBodyBytes       = 1 << 16
	healthCheckTimeout = 2 * time.Second
)

// Handler holds the dependencies for all check-in HTTP handlers.
type Handler struct {
	svc     *checkin.Service
	logger  *slog.Logger
	metrics *metrics.Metrics
	ping    func(context.Context) error
}

// New creates a Handler. ping reports storage health for /healthz and may be
// nil for backends without a connection to check.
func New(svc *checkin.Service, logger *slog.Logger, m *metrics.Metrics, ping func(context.Context) error) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, metrics: m, ping: ping}
}

// Routes returns the API mux wrapped in CORS handling.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.instrument("/healthz", h.health))

	mux.HandleFunc("POST /events/{id}/checkin", h.instrument("/events/{id}/checkin", h.checkIn))
	mux.HandleFunc("POST /checkin/scan", h.instrument("/checkin/scan", h.scan))

	mux.HandleFunc("GET /events", h.instrument("/events", h.listEvents))
	mux.HandleFunc("GET /events/{id}", h.instrument("/events/{id}", h.getEvent))
	mux.HandleFunc("GET /events/{id}/qr", h.instrument("/events/{id}/qr", h.eventPayload))

	mux.HandleFunc("GET /users/{email}", h.instrument("/users/{email}", h.getUser))

	return corsMiddleware(mux)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorKind string `json:"errorKind"`
}

// writeError renders err as {success:false, message, errorKind}. Only the
// caller-safe message leaves the process; the cause is logged.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := checkin.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		h.logger.Debug("request rejected",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	h.writeJSON(w, status, errorResponse{
		Message:   checkin.MessageOf(err),
		ErrorKind: string(kind),
	})
}

func statusFor(kind checkin.Kind) int {
	switch kind {
	case checkin.KindValidation, checkin.KindDecode:
		return http.StatusBadRequest
	case checkin.KindNotFound:
		return http.StatusNotFound
	case checkin.KindConflict:
		return http.StatusConflict
	case checkin.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.Request(r.Method, route, rec.status, time.Since(start))
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	storage := map[string]any{"status": "up"}
	status, code := "ok", http.StatusOK
	if h.ping != nil {
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("storage health check failed", "error", err)
			storage = map[string]any{"status": "down"}
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"storage": storage},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}
