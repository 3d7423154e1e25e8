package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/events"
	"github.com/ternarybob/visage/internal/models"
)

func TestMonitorHandler_BroadcastsStatusChanges(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	h := NewMonitorHandler(eventService, &common.WebSocketConfig{}, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, err := dialSocket(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	job := models.NewJob("job-1", "out")
	job.Status = models.JobStatusProcessing
	require.NoError(t, eventService.PublishSync(t.Context(), events.Event{
		Type:    events.EventJobStatusChanged,
		Payload: job,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string     `json:"type"`
		Payload models.Job `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventJobStatusChanged), msg.Type)
	assert.Equal(t, "job-1", msg.Payload.Token)
	assert.Equal(t, models.JobStatusProcessing, msg.Payload.Status)
}

func TestMonitorHandler_ThrottlesIntermediateUpdates(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	h := NewMonitorHandler(eventService, &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{string(events.EventJobStatusChanged): "1h"},
	}, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, err := dialSocket(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	publish := func(status models.JobStatus) {
		job := models.NewJob("job-1", "out")
		job.Status = status
		eventService.PublishSync(t.Context(), events.Event{
			Type:    events.EventJobStatusChanged,
			Payload: job,
		})
	}

	// The first update consumes the limiter token; the second is suppressed;
	// the terminal update always goes through
	publish(models.JobStatusProcessing)
	publish(models.JobStatusProcessing)
	publish(models.JobStatusSuccess)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Payload models.Job `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.JobStatusProcessing, first.Payload.Status)

	var second struct {
		Payload models.Job `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.JobStatusSuccess, second.Payload.Status,
		"throttled update must be skipped, terminal update delivered")
}
