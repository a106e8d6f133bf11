package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-kocon/pkg/circuitbreaker"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a handler. breakers may be nil.
func NewHealthHandler(service string, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{
		service:  service,
		checks:   make(map[string]Check),
		breakers: breakers,
	}
}

// AddCheck registers a readiness check. Call before serving.
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
	})
}

// Ready handles GET /ready. Open breakers are reported but do not fail
// readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	code := http.StatusOK
	status := "ready"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			status = "not ready"
			continue
		}
		checks[name] = "ok"
	}

	resp := map[string]interface{}{
		"status": status,
		"checks": checks,
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.GetHealthStatus()
	}
	writeJSON(w, code, resp)
}
