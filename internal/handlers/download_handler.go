package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

// DownloadHandler serves resolved artifacts from the downloads directory
type DownloadHandler struct {
	downloadsDir string
	logger       arbor.ILogger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(downloadsDir string, logger arbor.ILogger) *DownloadHandler {
	return &DownloadHandler{
		downloadsDir: downloadsDir,
		logger:       logger,
	}
}

// GetDownloadHandler handles GET /api/download/{filename}
func (h *DownloadHandler) GetDownloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/download/")
	if filename == "" {
		WriteError(w, http.StatusBadRequest, "filename is required")
		return
	}

	// Reject traversal out of the downloads directory
	if filepath.Base(filename) != filename {
		WriteError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(h.downloadsDir, filename)
	if _, err := os.Stat(path); err != nil {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	http.ServeFile(w, r, path)
}
