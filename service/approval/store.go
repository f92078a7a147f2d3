package approval

import (
	"context"
	"time"
)

// Store is the durable queue of approval items, partitioned by world. It is
// the single writer of Item.Status: inserts happen through Enqueue, the only
// transition happens through Resolve.
type Store interface {
	// Enqueue inserts a new pending item. Fails with ErrDuplicatePending when
	// a pending item already exists for the same (WorldID, CorrelationKey).
	Enqueue(ctx context.Context, item *Item) error

	// Get returns an item by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// ListPending returns pending items for a world ordered by urgency
	// descending then CreatedAt ascending (FIFO within an urgency band).
	ListPending(ctx context.Context, worldID string) ([]*Item, error)

	// Resolve atomically transitions a pending item to the decision's
	// terminal status and records the decision. Exactly one caller wins under
	// concurrency; losers observe ErrAlreadyResolved. Returns the resolved
	// item.
	Resolve(ctx context.Context, id string, decision *Decision) (*Item, error)

	// ListExpiringBefore returns pending items whose deadline is at or before
	// the given instant. Items without a deadline are never returned.
	ListExpiringBefore(ctx context.Context, worldID string, instant time.Time) ([]*Item, error)

	// Worlds returns the ids of worlds that currently have pending items.
	Worlds(ctx context.Context) ([]string, error)

	// Delete removes a resolved item. Retention of resolved items is the
	// persistence collaborator's concern; this merely drops the queue copy.
	Delete(ctx context.Context, id string) error
}
