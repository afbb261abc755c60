// Package handler implements the HTTP surface of skuwatch.
//
// The read path is one endpoint, GET /devices, which renders only
// classified devices and negotiates its representation on the Accept
// header: application/json yields a hostname-keyed map of projections,
// anything else a comma-joined plain-text hostname list.
//
// Supporting endpoints expose health, Prometheus metrics, the event
// history, a live SSE stream, and an operational restart hook.
package handler

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"skuwatch/internal/domain"
	"skuwatch/internal/history"
)

// DeviceReader is the read path into the device table.
type DeviceReader interface {
	Snapshot() []domain.Device
}

// Handler serves the HTTP API.
type Handler struct {
	devices      DeviceReader
	histStore    *history.Store
	events       http.Handler
	restartDelay time.Duration
	log          zerolog.Logger
}

// New creates a handler. histStore and events may be nil, which disables
// the corresponding endpoints.
func New(devices DeviceReader, histStore *history.Store, events http.Handler, log zerolog.Logger) *Handler {
	return &Handler{
		devices:      devices,
		histStore:    histStore,
		events:       events,
		restartDelay: 3 * time.Second,
		log:          log.With().Str("component", "http").Logger(),
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/devices", h.GetDevices)
	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if h.histStore != nil {
		r.Get("/history", h.GetHistory)
	}
	if h.events != nil {
		r.Method(http.MethodGet, "/events", h.events)
	}
	r.Post("/restart", h.Restart)

	return r
}

// GetDevices renders the classified device set. Content is negotiated on
// the Accept header.
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	projections := make(map[string]domain.Projection)
	for _, dev := range h.devices.Snapshot() {
		proj, ok := dev.Project()
		if !ok {
			continue
		}
		name := dev.HostnameValue()
		if name == "" {
			continue
		}
		projections[name] = proj
	}

	if wantsJSON(r) {
		h.writeJSON(w, projections, http.StatusOK)
		return
	}

	names := make([]string, 0, len(projections))
	for name := range projections {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(names, ",")))
}

// GetHistory returns recent lifecycle events, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.histStore.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("history query failed")
		h.writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	h.writeJSON(w, entries, http.StatusOK)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// Restart asks the process to exit after a short delay. Deployment tooling
// owns the actual restart; this only delivers the signal.
func (h *Handler) Restart(w http.ResponseWriter, _ *http.Request) {
	h.log.Info().Dur("delay", h.restartDelay).Msg("restart requested")
	go func() {
		time.Sleep(h.restartDelay)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()
	h.writeJSON(w, map[string]string{"status": "restarting"}, http.StatusAccepted)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("encode response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, status int) {
	h.writeJSON(w, map[string]string{"error": msg}, status)
}

// requestLogger logs requests at debug level.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
