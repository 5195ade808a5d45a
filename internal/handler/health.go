package handler

import (
	"net/http"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// Version is reported by the health endpoint
var Version = "0.1.0"

// Health returns the health status of the gateway and its configured backends
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := h.checkBackends(r)

	status := "healthy"
	for _, s := range services {
		if s == "unhealthy" {
			status = "degraded"
			break
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:   status,
		Version:  Version,
		Services: services,
	})
}

// Ready returns whether the gateway is ready to accept requests
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, s := range h.checkBackends(r) {
		if s == "unhealthy" {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) checkBackends(r *http.Request) map[string]string {
	ctx := r.Context()
	services := map[string]string{
		"store":  h.cfg.Store.Backend,
		"ledger": h.cfg.Ledger.Backend,
	}

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logFor(r).Warn().Err(err).Msg("postgres health check failed")
			services["postgres"] = "unhealthy"
		} else {
			services["postgres"] = "healthy"
		}
	}

	if h.rdb != nil {
		if err := h.rdb.HealthCheck(ctx); err != nil {
			h.logFor(r).Warn().Err(err).Msg("redis health check failed")
			services["redis"] = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}
	return services
}
