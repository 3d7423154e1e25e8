package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestDownloadHandler_GetDownload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "swap_abc.mp4"), []byte("video-bytes"), 0644))

	h := NewDownloadHandler(dir, arbor.NewLogger())

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"existing file", "/api/download/swap_abc.mp4", http.StatusOK},
		{"missing file", "/api/download/nope.mp4", http.StatusNotFound},
		{"empty filename", "/api/download/", http.StatusBadRequest},
		{"path traversal", "/api/download/../secret.txt", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			h.GetDownloadHandler(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/download/swap_abc.mp4", nil)
	rec := httptest.NewRecorder()
	h.GetDownloadHandler(rec, req)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "video-bytes", rec.Body.String())
}
