package approval

import (
	"context"

	"github.com/wrldbldr/stagegate/service/messaging"
)

// Event is the envelope published on the approval lifecycle queue so that
// observers (DM dashboards, metrics) can follow the queue without polling.
type Event struct {
	Topic   string            `json:"topic"`
	WorldID string            `json:"worldId"`
	Item    *Item             `json:"item,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Lifecycle topics. Every item announces created on Enqueue and exactly one
// of resolved or expired when it leaves the queue; expired covers timed-out
// resolutions only.
const (
	TopicItemCreated  = "approval.item.created"
	TopicItemResolved = "approval.item.resolved"
	TopicItemExpired  = "approval.item.expired"
)

// EventedStore decorates a Store so every successfully enqueued item is
// announced on the lifecycle queue. Publication is best-effort and never
// fails the enqueue.
type EventedStore struct {
	Store
	events messaging.Queue[Event]
}

// NewEventedStore wraps a store with lifecycle announcements.
func NewEventedStore(store Store, events messaging.Queue[Event]) *EventedStore {
	return &EventedStore{Store: store, events: events}
}

// Enqueue inserts the item and publishes TopicItemCreated.
func (s *EventedStore) Enqueue(ctx context.Context, item *Item) error {
	if err := s.Store.Enqueue(ctx, item); err != nil {
		return err
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, &Event{Topic: TopicItemCreated, WorldID: item.WorldID, Item: item.Clone()})
	}
	return nil
}
