// Package memory provides the in-memory approval Store used by tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/service/approval"
)

type service struct {
	mu    sync.RWMutex
	items map[string]*approval.Item
	// pending correlation index: world "\x00" key -> item id
	correlated map[string]string
}

// New creates an empty in-memory store.
func New() approval.Store {
	return &service{
		items:      make(map[string]*approval.Item),
		correlated: make(map[string]string),
	}
}

func correlationKey(worldID, key string) string { return worldID + "\x00" + key }

func (s *service) Enqueue(_ context.Context, item *approval.Item) error {
	if item == nil || item.ID == "" {
		return approval.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.CorrelationKey != "" {
		if _, ok := s.correlated[correlationKey(item.WorldID, item.CorrelationKey)]; ok {
			return approval.ErrDuplicatePending
		}
	}
	item.Status = approval.StatusPending
	s.items[item.ID] = item.Clone()
	if item.CorrelationKey != "" {
		s.correlated[correlationKey(item.WorldID, item.CorrelationKey)] = item.ID
	}
	return nil
}

func (s *service) Get(_ context.Context, id string) (*approval.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return item.Clone(), nil
}

func (s *service) ListPending(_ context.Context, worldID string) ([]*approval.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*approval.Item
	for _, item := range s.items {
		if item.WorldID == worldID && item.Status == approval.StatusPending {
			pending = append(pending, item.Clone())
		}
	}
	sortPending(pending)
	return pending, nil
}

// sortPending orders urgency descending, then FIFO by creation time.
func sortPending(items []*approval.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Urgency != items[j].Urgency {
			return items[i].Urgency > items[j].Urgency
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func (s *service) Resolve(_ context.Context, id string, decision *approval.Decision) (*approval.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if item.Status.Terminal() {
		return nil, approval.ErrAlreadyResolved
	}

	resolved := *decision
	if resolved.DecidedAt.IsZero() {
		resolved.DecidedAt = clock.Now()
	}
	item.Status = decision.TerminalStatus()
	item.Decision = &resolved
	if item.CorrelationKey != "" {
		delete(s.correlated, correlationKey(item.WorldID, item.CorrelationKey))
	}
	return item.Clone(), nil
}

func (s *service) ListExpiringBefore(_ context.Context, worldID string, instant time.Time) ([]*approval.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expiring []*approval.Item
	for _, item := range s.items {
		if item.WorldID != worldID || item.Status != approval.StatusPending {
			continue
		}
		if item.Expired(instant) {
			expiring = append(expiring, item.Clone())
		}
	}
	sortPending(expiring)
	return expiring, nil
}

func (s *service) Worlds(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var worlds []string
	for _, item := range s.items {
		if item.Status == approval.StatusPending && !seen[item.WorldID] {
			seen[item.WorldID] = true
			worlds = append(worlds, item.WorldID)
		}
	}
	sort.Strings(worlds)
	return worlds, nil
}

func (s *service) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return approval.ErrNotFound
	}
	if item.Status == approval.StatusPending && item.CorrelationKey != "" {
		delete(s.correlated, correlationKey(item.WorldID, item.CorrelationKey))
	}
	delete(s.items, id)
	return nil
}

var _ approval.Store = (*service)(nil)
