package handler

import (
	"context"
	"net/http"
	"time"

	"careportal/internal/container"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	container *container.Container
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(container *container.Container) *HealthHandler {
	return &HealthHandler{
		container: container,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	Service      string            `json:"service"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

const (
	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
	statusDisabled    = "disabled"
)

// Check handles GET /health. Optional backends that are down degrade the
// status without failing the probe, since the portal still serves without them.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	logger := h.container.GetLogger()

	logger.Debug("Health check requested")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{
		"redis":    statusDisabled,
		"postgres": statusDisabled,
	}
	status := statusHealthy

	if h.container.HasRedis() {
		deps["redis"] = statusHealthy
		if err := h.container.GetRedisClient().Health(ctx); err != nil {
			logger.WithError(err).Warn("Redis health check failed")
			deps["redis"] = statusUnavailable
			status = statusDegraded
		}
	}

	if db := h.container.GetDB(); db != nil {
		deps["postgres"] = statusHealthy
		if err := db.Health(ctx); err != nil {
			logger.WithError(err).Warn("Postgres health check failed")
			deps["postgres"] = statusUnavailable
			status = statusDegraded
		}
	}

	response := HealthResponse{
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Version:      "1.0.0",
		Service:      "careportal",
		Dependencies: deps,
	}

	writeJSON(w, http.StatusOK, response, h.container)

	logger.Debug("Health check completed successfully")
}
