// Package event is a small typed event hub. Components publish domain
// events through per-type queues (memory or file-system backed) and hosts
// attach listeners without coupling to the producers.
package event

import "time"

// Context carries the provenance of an event.
type Context struct {
	WorldID   string `json:"worldId,omitempty"`
	ItemID    string `json:"itemId,omitempty"`
	EventType string `json:"eventType"`
	Source    string `json:"source,omitempty"`
}

// Event wraps a typed payload with provenance and metadata.
type Event[T any] struct {
	Context   *Context               `json:"context"`
	CreatedAt time.Time              `json:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata"`
	Data      T                      `json:"data"`
}

// NewEvent creates an event for the payload.
func NewEvent[T any](context *Context, data T) *Event[T] {
	return &Event[T]{
		Context:   context,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]interface{}),
		Data:      data,
	}
}
