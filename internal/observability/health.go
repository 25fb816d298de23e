package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger is implemented by any type that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides startup, liveness, and readiness check endpoints
// for the admin server.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger // may be nil if deep checks are not wanted
}

// NewHealthChecker creates a new health checker in the not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup. Kubernetes
// startup probes use this to gate liveness/readiness checks.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// IsStarted returns whether startup has completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetRedisPinger registers a store client for deep readiness checks.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

// StartzHandler returns 200 once startup has completed, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.started.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write(jsonNotStarted)
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise. With
// `?deep=true` and a registered pinger it actively PINGs the store and
// returns 503 if unreachable.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "true" {
			h.mu.RLock()
			pinger := h.pinger
			h.mu.RUnlock()

			if pinger != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := pinger.Ping(ctx); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write(jsonDeepFail)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}
