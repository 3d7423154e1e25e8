package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket routes
	mux.HandleFunc("/ws", s.app.MonitorHandler.HandleWebSocket)
	mux.HandleFunc("/ws/swap", s.app.SocketHandler.HandleSwapSocket)

	// API routes - Face swap
	mux.HandleFunc("/api/swap", s.app.SwapHandler.SubmitHandler) // POST (SSE stream, ?async=true for token only)
	mux.HandleFunc("/api/swap/", s.handleSwapRoutes)             // GET /{token}/events

	// API routes - Job status and artifacts
	mux.HandleFunc("/api/status/", s.app.StatusHandler.GetStatusHandler)       // GET /{token}
	mux.HandleFunc("/api/download/", s.app.DownloadHandler.GetDownloadHandler) // GET /{filename}

	// API routes - System
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	return mux
}

// handleSwapRoutes routes /api/swap/{token}/... subpaths
func (s *Server) handleSwapRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/events") {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.app.SwapHandler.EventsHandler,
		})
		return
	}
	http.NotFound(w, r)
}
