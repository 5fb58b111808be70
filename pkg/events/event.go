package events

import "time"

// EventType names a kind of internal status-change notification.
type EventType string

const (
	EventTaskStatusChanged EventType = "task.status_changed"
	EventNodeStatusChanged EventType = "node.status_changed"
	EventNodeRegistered    EventType = "node.registered"
)

// Event is published internally to feed status fan-out (streamed to clients
// over GET /ws/events) without requiring the dashboard itself to exist.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}
