package streaming

import (
	"context"
	"time"
)

// StreamEvent is a run lifecycle event published as the engine moves runs
// between states.
type StreamEvent struct {
	RunID      string         `json:"run_id,omitempty"`
	PropertyID string         `json:"property_id,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	EventType  string         `json:"event_type"`
	Status     string         `json:"status,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	// PropertyIDs limits delivery to these properties. Nil means no limit.
	PropertyIDs []string `json:"property_ids,omitempty"`
}

// EventHub provides pub/sub for run lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.PropertyIDs != nil && !contains(f.PropertyIDs, e.PropertyID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
