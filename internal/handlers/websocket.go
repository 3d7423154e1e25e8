package handlers

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope written to socket clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SwapSocketHandler serves the bidirectional /ws/swap endpoint: the client
// sends one submission payload and receives the job's event stream. A
// process-wide connection ceiling bounds concurrent live sockets;
// connections beyond it are rejected with close code 1013 (try again later).
type SwapSocketHandler struct {
	service        *relay.Service
	maxConnections int64
	active         atomic.Int64
	logger         arbor.ILogger
}

// NewSwapSocketHandler creates a new swap socket handler
func NewSwapSocketHandler(service *relay.Service, config *common.WebSocketConfig, logger arbor.ILogger) *SwapSocketHandler {
	maxConns := int64(config.MaxConnections)
	if maxConns < 1 {
		maxConns = 32
	}
	return &SwapSocketHandler{
		service:        service,
		maxConnections: maxConns,
		logger:         logger,
	}
}

// ActiveConnections returns the number of live swap sockets
func (h *SwapSocketHandler) ActiveConnections() int {
	return int(h.active.Load())
}

// HandleSwapSocket handles GET /ws/swap
func (h *SwapSocketHandler) HandleSwapSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	if h.active.Add(1) > h.maxConnections {
		h.active.Add(-1)
		h.logger.Warn().Int64("max", h.maxConnections).Msg("Swap socket rejected, connection ceiling reached")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	defer func() {
		h.active.Add(-1)
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(msgType string, payload interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(WSMessage{Type: msgType, Payload: payload})
	}

	// First client frame is the submission payload
	var req relay.SubmitRequest
	if err := conn.ReadJSON(&req); err != nil {
		send("error", map[string]string{"detail": "invalid submission payload"})
		return
	}

	job, sub, err := h.service.Submit(r.Context(), &req, true)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Socket submission failed")
		send("error", map[string]string{"detail": err.Error()})
		return
	}
	defer h.service.Fanout().Detach(job.Token, sub)

	// Watch for client disconnect; reads also answer client pings
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			// Client went away; the job keeps running
			h.logger.Debug().Str("job_token", job.Token).Msg("Swap socket client disconnected")
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := send(string(event.Type), event); err != nil {
				return
			}
			if event.IsTerminal() {
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				return
			}
		}
	}
}
