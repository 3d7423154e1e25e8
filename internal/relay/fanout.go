package relay

import (
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
)

// Subscriber is one attached consumer of a job's event stream. The events
// channel carries events in order and is closed when the stream ends:
// terminal event delivered, job closed, or the subscriber fell too far
// behind. The mutex serializes sends against the close, so a detach racing
// a publish can never close a channel mid-send.
type Subscriber struct {
	mu      sync.Mutex
	events  chan *models.ProgressEvent
	closed  bool
	dropped atomic.Bool
}

// Events returns the delivery channel. Closed channel means the stream is
// over; check Dropped to distinguish overflow from normal completion.
func (s *Subscriber) Events() <-chan *models.ProgressEvent {
	return s.events
}

// Dropped reports whether the subscriber was forcibly detached because its
// buffer overflowed
func (s *Subscriber) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

// trySend delivers without blocking. Reports false only on a full buffer;
// a send to an already closed subscriber is a quiet no-op.
func (s *Subscriber) trySend(event *models.ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Fanout delivers each job's events to its attached subscribers. Delivery
// never blocks the publisher: a subscriber whose buffer is full is detached
// and its channel closed, so one slow consumer cannot stall a job.
type Fanout struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int
	logger arbor.ILogger
}

// NewFanout creates a fan-out hub with the given per-subscriber buffer size
func NewFanout(buffer int, logger arbor.ILogger) *Fanout {
	if buffer < 1 {
		buffer = 64
	}
	return &Fanout{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Attach subscribes to a job's event stream
func (f *Fanout) Attach(token string) *Subscriber {
	sub := &Subscriber{events: make(chan *models.ProgressEvent, f.buffer)}

	f.mu.Lock()
	set, ok := f.subs[token]
	if !ok {
		set = make(map[*Subscriber]struct{})
		f.subs[token] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	f.mu.Unlock()

	f.logger.Debug().Str("job_token", token).Int("subscribers", count).Msg("Subscriber attached")

	return sub
}

// Detach removes a subscriber; its channel is closed. Detaching an already
// detached subscriber is a no-op.
func (f *Fanout) Detach(token string, sub *Subscriber) {
	f.mu.Lock()
	if set, ok := f.subs[token]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, token)
		}
	}
	f.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every subscriber of the job. Subscribers that
// cannot take the event are detached. A terminal event ends the stream for
// all subscribers after delivery.
func (f *Fanout) Publish(token string, event *models.ProgressEvent) {
	f.mu.Lock()
	set := f.subs[token]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	var overflowed []*Subscriber
	for _, sub := range subs {
		if !sub.trySend(event) {
			sub.dropped.Store(true)
			overflowed = append(overflowed, sub)
			f.logger.Warn().Str("job_token", token).Str("event", string(event.Type)).
				Msg("Subscriber buffer full, detaching")
		}
	}

	for _, sub := range overflowed {
		f.Detach(token, sub)
	}

	if event.IsTerminal() {
		f.CloseJob(token)
	}
}

// CloseJob ends the stream for all subscribers of a job
func (f *Fanout) CloseJob(token string) {
	f.mu.Lock()
	set := f.subs[token]
	delete(f.subs, token)
	f.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// SubscriberCount returns how many subscribers a job currently has
func (f *Fanout) SubscriberCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[token])
}
