package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/relay"
)

// StatusHandler serves the poll endpoint: the current job snapshot
type StatusHandler struct {
	service *relay.Service
	logger  arbor.ILogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(service *relay.Service, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		service: service,
		logger:  logger,
	}
}

// GetStatusHandler handles GET /api/status/{token}
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/api/status/")
	if token == "" || strings.Contains(token, "/") {
		WriteError(w, http.StatusBadRequest, "job token is required")
		return
	}

	job, err := h.service.Registry().Get(r.Context(), token)
	if err != nil {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}
