// Package api serves the query endpoints, the live stream and the
// operational probes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/engine"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHistoricalLimit = 1000
	maxHistoricalLimit     = 10000
	readyTimeout           = 2 * time.Second
)

// Engine is the part of the engine the handlers query.
type Engine interface {
	GetRealtimeMetrics(subject string) (model.AggregationResult, error)
	GetWindowMetrics(granularity, subject string) (model.AggregationResult, error)
	GetHistoricalData(ctx context.Context, q engine.HistoricalQuery) (engine.Historical, error)
	Granularities() []window.Granularity
	Ready(ctx context.Context) error
	GetStats() map[string]interface{}
}

// Handler handles HTTP API requests
type Handler struct {
	engine  Engine
	stream  http.Handler
	metrics http.Handler
}

// NewHandler creates a new API handler. stream and metrics may be nil.
func NewHandler(e Engine, stream, metrics http.Handler) *Handler {
	return &Handler{engine: e, stream: stream, metrics: metrics}
}

// Router builds the mux with every route and the request logger.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	router.Use(loggingMiddleware)
	return router
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/metrics/realtime", h.GetRealtime).Methods("GET")
	router.HandleFunc("/v1/metrics/windows", h.GetGranularities).Methods("GET")
	router.HandleFunc("/v1/metrics/windows/{granularity}", h.GetWindow).Methods("GET")
	router.HandleFunc("/v1/metrics/historical", h.GetHistorical).Methods("GET")
	router.HandleFunc("/v1/stats", h.GetStats).Methods("GET")

	if h.stream != nil {
		router.Handle("/v1/stream", h.stream)
	}

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/ready", h.Ready).Methods("GET")
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// GetRealtime returns the realtime aggregation, optionally for ?subject=.
func (h *Handler) GetRealtime(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.GetRealtimeMetrics(r.URL.Query().Get("subject"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetGranularities lists the configured granularities.
func (h *Handler) GetGranularities(w http.ResponseWriter, r *http.Request) {
	grans := h.engine.Granularities()
	out := make([]map[string]interface{}, 0, len(grans))
	for _, g := range grans {
		out = append(out, map[string]interface{}{
			"name":        g.Name,
			"interval":    g.Interval.String(),
			"interval_ms": g.Interval.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"granularities": out})
}

// GetWindow returns the aggregation of one granularity.
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := h.engine.GetWindowMetrics(vars["granularity"], r.URL.Query().Get("subject"))
	if errors.Is(err, window.ErrUnknownGranularity) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHistorical reads flushed metrics between ?start= and ?end=, given as
// RFC3339 or unix milliseconds.
func (h *Handler) GetHistorical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("start: "+err.Error()))
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("end: "+err.Error()))
		return
	}

	limit := defaultHistoricalLimit
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		if limit > maxHistoricalLimit {
			limit = maxHistoricalLimit
		}
	}

	hist, err := h.engine.GetHistoricalData(r.Context(), engine.HistoricalQuery{
		Start:   start,
		End:     end,
		Subject: q.Get("subject"),
		Limit:   limit,
	})
	if errors.Is(err, engine.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetStats returns internal counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStats())
}

// Health reports that the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// Ready reports whether the engine consumes and its stores respond.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.engine.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("is required")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("must be RFC3339 or unix milliseconds")
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
