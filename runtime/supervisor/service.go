// Package supervisor enforces approval deadlines. A single background loop
// scans every world's queue and resolves expired items, so no item can stay
// pending forever even when the DM walks away.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/policy"
	"github.com/wrldbldr/stagegate/runtime/decider"
	"github.com/wrldbldr/stagegate/service/approval"
)

// Config represents supervisor configuration.
type Config struct {
	// PollingInterval is how often the supervisor checks for expired items.
	PollingInterval time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 2 * time.Second,
	}
}

// Service sweeps expired approval items.
type Service struct {
	config      Config
	store       approval.Store
	decide      *decider.Service
	policy      *policy.Policy
	worldPolicy map[string]*policy.Policy
	logger      *slog.Logger
	shutdownCh  chan struct{}
}

// Option customizes the supervisor.
type Option func(*Service)

// WithPolicy sets the default timeout policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithWorldPolicy overrides the policy for one world.
func WithWorldPolicy(worldID string, p *policy.Policy) Option {
	return func(s *Service) { s.worldPolicy[worldID] = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a supervisor service.
func New(store approval.Store, decide *decider.Service, config Config, options ...Option) *Service {
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultConfig().PollingInterval
	}
	s := &Service{
		config:      config,
		store:       store,
		decide:      decide,
		policy:      policy.Default(),
		worldPolicy: make(map[string]*policy.Policy),
		logger:      slog.Default(),
		shutdownCh:  make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Shutdown stops the sweep loop.
func (s *Service) Shutdown() {
	close(s.shutdownCh)
}

// Sweep resolves every item whose deadline has passed. It is safe to call
// concurrently with live decisions: losing the resolve race to a DM is
// expected and ignored.
func (s *Service) Sweep(ctx context.Context) error {
	worlds, err := s.store.Worlds(ctx)
	if err != nil {
		return err
	}
	now := clock.Now()
	for _, worldID := range worlds {
		expired, err := s.store.ListExpiringBefore(ctx, worldID, now)
		if err != nil {
			return err
		}
		for _, item := range expired {
			s.resolveExpired(ctx, worldID, item)
		}
	}
	return nil
}

func (s *Service) resolveExpired(ctx context.Context, worldID string, item *approval.Item) {
	p := s.policy
	if override, ok := s.worldPolicy[worldID]; ok {
		p = override
	}

	var err error
	if p.ApprovesOnTimeout(item.Kind) {
		_, err = s.decide.AutoApprove(ctx, item.ID)
	} else {
		_, err = s.decide.Expire(ctx, item.ID)
	}
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyResolved) || errors.Is(err, approval.ErrNotFound) {
			return
		}
		var appErr *approval.ApplicationError
		if errors.As(err, &appErr) {
			// Resolved but not applied; nothing left for the supervisor to
			// do, an operator has to follow up.
			s.logger.Error("expired item resolved but application failed",
				"item", item.ID, "kind", item.Kind, "world", worldID, "error", appErr.Err)
			return
		}
		s.logger.Error("failed to resolve expired item",
			"item", item.ID, "kind", item.Kind, "world", worldID, "error", err)
		return
	}
	s.logger.Info("expired item resolved",
		"item", item.ID, "kind", item.Kind, "world", worldID,
		"autoApproved", p.ApprovesOnTimeout(item.Kind))
}
