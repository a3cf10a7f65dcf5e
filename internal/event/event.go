// Package event defines the payload delivered to the collector.
package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Reserved property keys added by the pipeline.
const (
	PropMinimal       = "_minimal"
	PropConsentStatus = "_consent_status"
)

// Event is one tracked occurrence. It is immutable once enqueued; the
// pipeline copies Properties on the way in.
type Event struct {
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
	MessageID  string         `json:"message_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New stamps an event with a fresh message id. props is copied.
func New(name, userID, sessionID string, props map[string]any, at time.Time) Event {
	return Event{
		EventName:  name,
		UserID:     userID,
		Properties: maps.Clone(props),
		MessageID:  uuid.NewString(),
		SessionID:  sessionID,
		Timestamp:  at.UTC(),
	}
}

// Batch is the request body for one chunk.
type Batch struct {
	Events []Event `json:"events"`
}

// Chunk splits events into consecutive slices of at most size, preserving order.
func Chunk(events []Event, size int) [][]Event {
	if size <= 0 || len(events) <= size {
		if len(events) == 0 {
			return nil
		}
		return [][]Event{events}
	}
	out := make([][]Event, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		out = append(out, events[start:end])
	}
	return out
}
