// Package ops serves the agent's local operations endpoints: liveness,
// a status snapshot, and the Prometheus scrape surface.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devmatch/climate-agent/internal/agent"
	"github.com/devmatch/climate-agent/internal/diag"
)

// StatusSource is the view of the agent the status endpoint reports.
type StatusSource interface {
	Snapshot() agent.Snapshot
}

// RouterConfig holds configuration for the ops router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger
	Status    StatusSource
	Metrics   *diag.Metrics

	// RequestLimit caps requests per minute per client IP.
	// Default: 60.
	RequestLimit int
}

// NewRouter creates a chi router for the local ops listener.
func NewRouter(cfg RouterConfig) *chi.Mux {
	limit := cfg.RequestLimit
	if limit <= 0 {
		limit = 60
	}

	r := chi.NewRouter()

	// Order matters: the request ID feeds the logger.
	r.Use(requestID)
	r.Use(logger(cfg.Logger))
	r.Use(recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP)))

	h := &opsHandler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		status:    cfg.Status,
	}
	r.Get("/healthz", h.health)
	r.Get("/status", h.currentStatus)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return r
}

type opsHandler struct {
	version   string
	buildTime string
	status    StatusSource
}

type healthResponse struct {
	Status    string    `json:"status"`
	Time      time.Time `json:"time"`
	Version   string    `json:"version"`
	BuildTime string    `json:"buildTime"`
}

type queueStatus struct {
	Depth     int    `json:"depth"`
	Evictions uint64 `json:"evictions"`
}

type counterStatus struct {
	Cycles           uint64 `json:"cycles"`
	SensorNotReady   uint64 `json:"sensorNotReady"`
	SensorFailures   uint64 `json:"sensorFailures"`
	RejectedReadings uint64 `json:"rejectedReadings"`
	Enqueued         uint64 `json:"enqueued"`
	Delivered        uint64 `json:"delivered"`
	RetriedAttempts  uint64 `json:"retriedAttempts"`
	Dropped          uint64 `json:"dropped"`
}

type statusResponse struct {
	Status         string        `json:"status"`
	State          string        `json:"state"`
	SessionID      string        `json:"sessionId"`
	StartedAt      time.Time     `json:"startedAt"`
	UptimeSeconds  int64         `json:"uptimeSeconds"`
	LastCycleAt    *time.Time    `json:"lastCycleAt,omitempty"`
	LastDeliveryAt *time.Time    `json:"lastDeliveryAt,omitempty"`
	BackoffUntil   *time.Time    `json:"backoffUntil,omitempty"`
	Queue          queueStatus   `json:"queue"`
	Counters       counterStatus `json:"counters"`
}

func (h *opsHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Time:      time.Now().UTC(),
		Version:   h.version,
		BuildTime: h.buildTime,
	})
}

func (h *opsHandler) currentStatus(w http.ResponseWriter, _ *http.Request) {
	snap := h.status.Snapshot()

	resp := statusResponse{
		Status:        "ok",
		State:         string(snap.State),
		SessionID:     snap.SessionID,
		StartedAt:     snap.StartedAt,
		UptimeSeconds: int64(time.Since(snap.StartedAt).Seconds()),
		Queue: queueStatus{
			Depth:     snap.QueueDepth,
			Evictions: snap.QueueEvictions,
		},
		Counters: counterStatus{
			Cycles:           snap.Counters.Cycles,
			SensorNotReady:   snap.Counters.SensorNotReady,
			SensorFailures:   snap.Counters.SensorFailures,
			RejectedReadings: snap.Counters.RejectedReadings,
			Enqueued:         snap.Counters.Enqueued,
			Delivered:        snap.Counters.Delivered,
			RetriedAttempts:  snap.Counters.RetriedAttempts,
			Dropped:          snap.Counters.Dropped,
		},
	}
	if !snap.LastCycleAt.IsZero() {
		resp.LastCycleAt = &snap.LastCycleAt
	}
	if !snap.LastDeliveryAt.IsZero() {
		resp.LastDeliveryAt = &snap.LastDeliveryAt
	}
	if snap.BackoffUntil.After(time.Now()) {
		resp.BackoffUntil = &snap.BackoffUntil
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// requestIDKey is the context key for the request ID.
type requestIDKey struct{}

// requestID tags every request with an identifier, honoring one the
// client already sent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = "req_" + uuid.New().String()[:22]
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// logger logs one line per request.
func logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			log.Info().
				Str("request_id", getRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.Status()).
				Int("bytes", wrapped.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}

// recovery turns panics into 500 responses instead of crashing the agent.
func recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Str("request_id", getRequestID(r.Context())).
						Interface("error", err).
						Str("stack", string(debug.Stack())).
						Msg("panic recovered")

					writeJSON(w, http.StatusInternalServerError, map[string]string{
						"status": "error",
						"detail": "an unexpected error occurred",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
