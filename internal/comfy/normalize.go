package comfy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
)

// Normalizer turns raw upstream frames into normalized progress events for
// one job. It is stateful: completion is inferred from an executing frame
// with a null node after the workflow has started, and identical percentage
// values are not re-emitted.
//
// Not safe for concurrent use; each monitor loop owns one Normalizer.
type Normalizer struct {
	token      string
	titles     map[string]string
	started    bool
	completed  bool
	lastPct    int
	lastStatus string
	malformed  int
	logger     arbor.ILogger
}

// NewNormalizer creates a normalizer for the given job token. titles labels
// executing events with human-readable node names.
func NewNormalizer(token string, titles map[string]string, logger arbor.ILogger) *Normalizer {
	return &Normalizer{
		token:   token,
		titles:  titles,
		lastPct: -1,
		logger:  logger,
	}
}

// rawFrame is the envelope every upstream frame shares
type rawFrame struct {
	Type string `json:"type"`
	Data struct {
		PromptID *string     `json:"prompt_id"`
		Value    *int        `json:"value"`
		Max      *int        `json:"max"`
		Node     *string     `json:"node"`
		Status   interface{} `json:"status"`
	} `json:"data"`
}

// Normalize maps one raw frame to at most one event. A nil event with nil
// error means the frame was valid but produced nothing to deliver (another
// job's frame, or a duplicate percentage). Undecodable frames return
// ErrMalformedEvent and are counted.
func (n *Normalizer) Normalize(raw []byte) (*models.ProgressEvent, error) {
	var frame rawFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		n.malformed++
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if frame.Type == "" {
		n.malformed++
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	// Frames for other jobs are dropped; frames without a prompt id are
	// broadcast chatter and pass through
	if frame.Data.PromptID != nil && *frame.Data.PromptID != n.token {
		return nil, nil
	}

	switch frame.Type {
	case "progress":
		return n.normalizeProgress(&frame), nil
	case "executing":
		return n.normalizeExecuting(&frame), nil
	case "status":
		return n.normalizeStatus(&frame), nil
	default:
		return models.NewStatusUpdateEvent(n.token, frame.Type), nil
	}
}

func (n *Normalizer) normalizeProgress(frame *rawFrame) *models.ProgressEvent {
	n.started = true

	value, total := 0, 0
	if frame.Data.Value != nil {
		value = *frame.Data.Value
	}
	if frame.Data.Max != nil {
		total = *frame.Data.Max
	}

	// A zero total yields zero percent rather than a division error; values
	// outside the bar are clamped into [0,100]
	pct := 0
	if total > 0 {
		pct = value * 100 / total
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	if pct == n.lastPct {
		return nil
	}
	n.lastPct = pct

	return models.NewProgressEvent(n.token, pct, value, total)
}

func (n *Normalizer) normalizeExecuting(frame *rawFrame) *models.ProgressEvent {
	if frame.Data.Node == nil {
		// Null node after the workflow started means the run finished
		if n.started && !n.completed {
			n.completed = true
			return &models.ProgressEvent{
				Type:      models.EventCompleted,
				Token:     n.token,
				Timestamp: time.Now().UTC(),
			}
		}
		return models.NewStatusUpdateEvent(n.token, "workflow idle")
	}

	n.started = true
	node := *frame.Data.Node
	title, ok := n.titles[node]
	if !ok {
		title = fmt.Sprintf("Node %s", node)
	}
	return models.NewExecutingEvent(n.token, node, title)
}

func (n *Normalizer) normalizeStatus(frame *rawFrame) *models.ProgressEvent {
	status := extractStatus(frame.Data.Status)

	switch status {
	case "error", "failed", "cancelled":
		n.completed = true
		return models.NewErrorEvent(n.token, fmt.Sprintf("workflow %s", status))
	}

	if status == n.lastStatus {
		return nil
	}
	n.lastStatus = status

	return models.NewStatusUpdateEvent(n.token, status)
}

// extractStatus handles both flat and nested status payloads
func extractStatus(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		if inner, ok := v["status"].(string); ok {
			return inner
		}
	}
	return ""
}

// Completed reports whether a terminal event has been produced
func (n *Normalizer) Completed() bool {
	return n.completed
}

// MalformedCount returns how many frames failed to decode
func (n *Normalizer) MalformedCount() int {
	return n.malformed
}
