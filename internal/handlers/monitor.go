package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/events"
	"github.com/ternarybob/visage/internal/models"
	"golang.org/x/time/rate"
)

// MonitorHandler serves the process-wide /ws status feed. Every registry
// change raises a job_status_change broadcast; per-event rate limiters keep
// chatty jobs from flooding monitoring clients. Delivery here is best-effort
// and throttled, unlike the per-job streams, which are complete.
type MonitorHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex
	throttlers  map[string]*rate.Limiter
}

// NewMonitorHandler creates the monitoring feed handler and subscribes it to
// job status changes
func NewMonitorHandler(eventService *events.Service, config *common.WebSocketConfig, logger arbor.ILogger) *MonitorHandler {
	h := &MonitorHandler{
		logger:      logger,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
		throttlers:  make(map[string]*rate.Limiter),
	}

	for eventType, interval := range config.ThrottleIntervals {
		if duration, err := time.ParseDuration(interval); err == nil && duration > 0 {
			h.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().Str("event_type", eventType).Str("interval", interval).Msg("Monitoring feed throttle configured")
		}
	}

	eventService.Subscribe(events.EventJobStatusChanged, h.handleJobStatusChange)

	return h
}

// HandleWebSocket handles GET /ws
func (h *MonitorHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("Monitoring client connected (total: %d)", clientCount)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("Monitoring client disconnected (remaining: %d)", remaining)
	}()

	// Drain client frames; the feed is one-way
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleJobStatusChange broadcasts a registry change to all monitoring
// clients, subject to throttling
func (h *MonitorHandler) handleJobStatusChange(ctx context.Context, event events.Event) error {
	job, ok := event.Payload.(*models.Job)
	if !ok {
		return nil
	}

	if limiter, exists := h.throttlers[string(events.EventJobStatusChanged)]; exists {
		// Terminal transitions always go out; intermediate progress is throttled
		if !job.Status.IsTerminal() && !limiter.Allow() {
			return nil
		}
	}

	h.broadcast(WSMessage{
		Type:    string(events.EventJobStatusChanged),
		Payload: job,
	})
	return nil
}

// broadcast writes a message to every connected client
func (h *MonitorHandler) broadcast(msg WSMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(msg)
		mutexes[i].Unlock()

		if err != nil {
			h.logger.Debug().Err(err).Msg("Failed to write to monitoring client")
		}
	}
}

// ClientCount returns the number of connected monitoring clients
func (h *MonitorHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
