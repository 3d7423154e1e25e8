// -----------------------------------------------------------------------
// Progress Event - Normalized upstream event delivered to subscribers
// -----------------------------------------------------------------------

package models

import "time"

// EventType tags a normalized progress event.
type EventType string

const (
	EventQueued       EventType = "queued"        // job accepted upstream
	EventExecuting    EventType = "executing"     // workflow moved to a new node
	EventProgress     EventType = "progress"      // percentage update
	EventCompleted    EventType = "completed"     // workflow finished, artifact being resolved
	EventError        EventType = "error"         // terminal failure
	EventStatusUpdate EventType = "status_update" // unrecognized upstream chatter, non-terminal
)

// ProgressEvent is the normalized event fanned out to subscribers and applied
// to the registry. Which fields are set depends on Type:
//
//	queued:     Token
//	executing:  Node, Title
//	progress:   Percentage, Current, Total
//	completed:  Filename, DownloadRef (set by the resolver)
//	error:      Detail
type ProgressEvent struct {
	Type        EventType `json:"type"`
	Token       string    `json:"job_token,omitempty"`
	Node        string    `json:"node,omitempty"`
	Title       string    `json:"title,omitempty"`
	Percentage  int       `json:"percentage,omitempty"`
	Current     int       `json:"current,omitempty"`
	Total       int       `json:"total,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	DownloadRef string    `json:"download_ref,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsTerminal reports whether the event ends the stream for its job
func (e *ProgressEvent) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

// NewQueuedEvent builds the first event of every job stream
func NewQueuedEvent(token string) *ProgressEvent {
	return &ProgressEvent{Type: EventQueued, Token: token, Timestamp: time.Now().UTC()}
}

// NewExecutingEvent builds a node-transition event
func NewExecutingEvent(token, node, title string) *ProgressEvent {
	return &ProgressEvent{Type: EventExecuting, Token: token, Node: node, Title: title, Timestamp: time.Now().UTC()}
}

// NewProgressEvent builds a percentage update. Callers guard total > 0.
func NewProgressEvent(token string, percentage, current, total int) *ProgressEvent {
	return &ProgressEvent{
		Type:       EventProgress,
		Token:      token,
		Percentage: percentage,
		Current:    current,
		Total:      total,
		Timestamp:  time.Now().UTC(),
	}
}

// NewCompletedEvent builds the success terminal event
func NewCompletedEvent(token, filename, downloadRef string) *ProgressEvent {
	return &ProgressEvent{
		Type:        EventCompleted,
		Token:       token,
		Filename:    filename,
		DownloadRef: downloadRef,
		Timestamp:   time.Now().UTC(),
	}
}

// NewErrorEvent builds the failure terminal event
func NewErrorEvent(token, detail string) *ProgressEvent {
	return &ProgressEvent{Type: EventError, Token: token, Detail: detail, Timestamp: time.Now().UTC()}
}

// NewStatusUpdateEvent builds a non-terminal placeholder for upstream frames
// that carry no progress information
func NewStatusUpdateEvent(token, detail string) *ProgressEvent {
	return &ProgressEvent{Type: EventStatusUpdate, Token: token, Detail: detail, Timestamp: time.Now().UTC()}
}
