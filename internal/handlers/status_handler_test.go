package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
)

func TestStatusHandler_GetStatus(t *testing.T) {
	engine := startStubEngine(t, "unused", nil)
	service, _ := newTestService(t, engine)
	h := NewStatusHandler(service, arbor.NewLogger())

	_, err := service.Registry().Create(t.Context(), "known-token", "out")
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"known token", http.MethodGet, "/api/status/known-token", http.StatusOK},
		{"unknown token", http.MethodGet, "/api/status/missing", http.StatusNotFound},
		{"empty token", http.MethodGet, "/api/status/", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/status/known-token", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			h.GetStatusHandler(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status/known-token", nil)
	rec := httptest.NewRecorder()
	h.GetStatusHandler(rec, req)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "known-token", job.Token)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}
