package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestService_SubscribeRejectsNilHandler(t *testing.T) {
	service := NewService(arbor.NewLogger())
	assert.Error(t, service.Subscribe(EventJobStatusChanged, nil))
}

func TestService_PublishSyncDeliversInOrder(t *testing.T) {
	service := NewService(arbor.NewLogger())

	var got []string
	for _, name := range []string{"first", "second"} {
		name := name
		require.NoError(t, service.Subscribe(EventJobStatusChanged, func(ctx context.Context, e Event) error {
			got = append(got, name)
			return nil
		}))
	}

	require.NoError(t, service.PublishSync(t.Context(), Event{Type: EventJobStatusChanged, Payload: "x"}))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestService_PublishSyncReturnsFirstError(t *testing.T) {
	service := NewService(arbor.NewLogger())

	first := errors.New("first failure")
	service.Subscribe(EventJobStatusChanged, func(ctx context.Context, e Event) error { return first })
	service.Subscribe(EventJobStatusChanged, func(ctx context.Context, e Event) error { return errors.New("second failure") })

	err := service.PublishSync(t.Context(), Event{Type: EventJobStatusChanged})
	assert.ErrorIs(t, err, first)
}

func TestService_PublishIsAsynchronous(t *testing.T) {
	service := NewService(arbor.NewLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	service.Subscribe(EventJobStatusChanged, func(ctx context.Context, e Event) error {
		defer wg.Done()
		assert.Equal(t, "payload", e.Payload)
		return nil
	})

	require.NoError(t, service.Publish(t.Context(), Event{Type: EventJobStatusChanged, Payload: "payload"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestService_PublishWithoutSubscribers(t *testing.T) {
	service := NewService(arbor.NewLogger())
	assert.NoError(t, service.Publish(t.Context(), Event{Type: "unknown"}))
	assert.NoError(t, service.PublishSync(t.Context(), Event{Type: "unknown"}))
}
