package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/relay"
)

// APIHandler serves the health and version endpoints
type APIHandler struct {
	service *relay.Service
	logger  arbor.ILogger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(service *relay.Service, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		service: service,
		logger:  logger,
	}
}

// HealthHandler reports service and upstream health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	upstream := "ok"
	status := http.StatusOK
	if err := h.service.CheckUpstream(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Upstream health check failed")
		upstream = err.Error()
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, map[string]interface{}{
		"status":    "ok",
		"upstream":  upstream,
		"jobs":      h.service.Registry().Count(),
		"version":   common.GetVersion(),
		"timestamp": time.Now().UTC(),
	})
}

// VersionHandler returns build information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
