package comfy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
)

// LinkStatus is the lifecycle state of an upstream control connection
type LinkStatus string

const (
	LinkIdle       LinkStatus = "idle"
	LinkConnecting LinkStatus = "connecting"
	LinkConnected  LinkStatus = "connected"
	LinkBackoff    LinkStatus = "backoff"
	LinkFailed     LinkStatus = "failed"
	LinkClosed     LinkStatus = "closed"
)

// Link is the per-job websocket control connection to the upstream engine.
// Connect retries with exponential backoff; Receive enforces the read
// timeout and inactivity limit. One monitor goroutine owns each Link.
type Link struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pingTimeout  time.Duration
	readTimeout  time.Duration
	idleLimit    int
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	status   LinkStatus
	pingStop chan struct{}

	logger arbor.ILogger
}

// NewLink creates a control link for the given websocket URL
func NewLink(wsURL string, cfg *common.ComfyConfig, logger arbor.ILogger) *Link {
	return &Link{
		url: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: common.Duration(cfg.ConnectTimeout, 60*time.Second),
		},
		pingInterval: common.Duration(cfg.PingInterval, 20*time.Second),
		pingTimeout:  common.Duration(cfg.PingTimeout, 20*time.Second),
		readTimeout:  common.Duration(cfg.ReadTimeout, 5*time.Second),
		idleLimit:    cfg.IdleLimit,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    common.Duration(cfg.RetryBaseDelay, 2*time.Second),
		maxDelay:     common.Duration(cfg.RetryMaxDelay, 60*time.Second),
		status:       LinkIdle,
		logger:       logger,
	}
}

// Status returns the current link state
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Link) setStatus(s LinkStatus) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

// Connect dials the upstream feed, retrying with exponential backoff. After
// the final attempt fails the link moves to LinkFailed and ErrLinkFailure is
// returned.
func (l *Link) Connect(ctx context.Context) error {
	retries := l.maxRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		l.setStatus(LinkConnecting)

		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err == nil {
			l.mu.Lock()
			l.conn = conn
			l.status = LinkConnected
			l.pingStop = make(chan struct{})
			l.mu.Unlock()

			go l.keepalive(conn, l.pingStop)

			l.logger.Debug().Str("url", l.url).Int("attempt", attempt+1).Msg("Upstream link connected")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			l.setStatus(LinkFailed)
			return fmt.Errorf("%w: %v", ErrLinkFailure, ctx.Err())
		}

		wait := l.baseDelay << attempt
		if wait > l.maxDelay {
			wait = l.maxDelay
		}
		l.setStatus(LinkBackoff)
		l.logger.Warn().Err(err).Dur("wait", wait).Int("attempt", attempt+1).Msg("Upstream handshake failed, backing off")

		select {
		case <-ctx.Done():
			l.setStatus(LinkFailed)
			return fmt.Errorf("%w: %v", ErrLinkFailure, ctx.Err())
		case <-time.After(wait):
		}
	}

	l.setStatus(LinkFailed)
	return fmt.Errorf("%w: handshake failed after %d attempts: %v", ErrLinkFailure, retries, lastErr)
}

// keepalive writes pings until the link closes
func (l *Link) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.pingTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.logger.Debug().Err(err).Msg("Upstream ping failed")
				return
			}
		}
	}
}

// inactivityWindow is how long Receive waits for a frame before giving up:
// the read timeout times the idle limit
func (l *Link) inactivityWindow() time.Duration {
	limit := l.idleLimit
	if limit < 1 {
		limit = 1
	}
	return time.Duration(limit) * l.readTimeout
}

// Receive blocks until the next raw frame arrives. No frame within the
// inactivity window returns ErrTimeout; any other read error returns
// ErrLinkFailure. Both are permanent and move the link to LinkFailed.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: link not connected", ErrLinkFailure)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(l.inactivityWindow())); err != nil {
		l.setStatus(LinkFailed)
		return nil, fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}

	_, msg, err := conn.ReadMessage()
	if err == nil {
		return msg, nil
	}

	l.setStatus(LinkFailed)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, fmt.Errorf("%w: no frames for %s", ErrTimeout, l.inactivityWindow())
	}
	return nil, fmt.Errorf("%w: %v", ErrLinkFailure, err)
}

// Close tears the connection down. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	stop := l.pingStop
	l.conn = nil
	l.pingStop = nil
	if l.status != LinkFailed {
		l.status = LinkClosed
	}
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		l.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
