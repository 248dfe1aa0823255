package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/runlok/runlok/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Pinger reports backing store reachability. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthChecker verifies component health.
type HealthChecker struct {
	policies *service.PolicyService
	notifier *service.Notifier
	store    Pinger // nil when the stores are in-memory
	version  string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(policies *service.PolicyService, notifier *service.Notifier, store Pinger, version string) *HealthChecker {
	return &HealthChecker{
		policies: policies,
		notifier: notifier,
		store:    store,
		version:  version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.policies != nil {
		snap := h.policies.Current()
		checks["policy"] = fmt.Sprintf("ok: version %s, %d rules", snap.Version, len(snap.Rules))
	} else {
		checks["policy"] = "not configured"
	}

	if h.store != nil {
		if err := h.store.PingContext(ctx); err != nil {
			checks["store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "memory"
	}

	if h.notifier != nil {
		checks["stream"] = fmt.Sprintf("ok: %d subscribers, %d dropped",
			h.notifier.Subscribers(), h.notifier.Dropped())
	} else {
		checks["stream"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
