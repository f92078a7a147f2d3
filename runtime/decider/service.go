// Package decider implements the approval state machine: the authoritative
// rules for resolving a pending item, applying its kind-specific effect and
// notifying observers. Resolution is delegated to the Store's atomic Resolve,
// so concurrent decisions on one item have exactly one winner.
package decider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/messaging"
	"github.com/wrldbldr/stagegate/tracing"
)

// Applier installs the effect of a resolved item (staged NPCs, a dialogue
// turn, ...). The item passed in already carries its terminal status and
// decision.
type Applier interface {
	Apply(ctx context.Context, item *approval.Item) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, item *approval.Item) error

func (f ApplierFunc) Apply(ctx context.Context, item *approval.Item) error { return f(ctx, item) }

// Outcome reports what a successful decision did.
type Outcome struct {
	Item *approval.Item
	// Applied is false for rejections and timeouts without fallback: the
	// decision was recorded but no world-state effect was installed.
	Applied bool
	// DialogueDiff is a unified diff of proposed vs DM-modified dialogue,
	// recorded for the audit trail on AcceptWithModification.
	DialogueDiff string
}

// Broadcaster is the outbound notification seam (satisfied by
// *broadcast.Dispatcher).
type Broadcaster interface {
	Broadcast(ctx context.Context, worldID string, audience broadcast.Audience, msg *broadcast.Message) error
}

// Service is the approval state machine.
type Service struct {
	store       approval.Store
	broadcaster Broadcaster
	events      messaging.Queue[approval.Event]
	logger      *slog.Logger

	mu       sync.RWMutex
	appliers map[approval.Kind]Applier
}

// Option customizes the service.
type Option func(*Service)

// WithEventQueue attaches a lifecycle event queue; resolutions are published
// to it so observers can follow the queue without polling.
func WithEventQueue(queue messaging.Queue[approval.Event]) Option {
	return func(s *Service) { s.events = queue }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates the state machine. Appliers are registered separately by the
// wiring layer so that producers never construct the decider themselves.
func New(store approval.Store, broadcaster Broadcaster, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	s := &Service{
		store:       store,
		broadcaster: broadcaster,
		appliers:    make(map[approval.Kind]Applier),
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// Register binds the applier for a kind. Items of unregistered kinds can
// still be resolved; they simply install no effect.
func (s *Service) Register(kind approval.Kind, applier Applier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliers[kind] = applier
}

func (s *Service) applier(kind approval.Kind) Applier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliers[kind]
}

// Decide resolves a pending item with the given decision. Exactly one of any
// set of concurrent callers succeeds; the rest observe
// approval.ErrAlreadyResolved and cause no side effect. If the decision was
// recorded but its application failed, the returned error is an
// *approval.ApplicationError: the item stays resolved and is never
// re-applied automatically.
func (s *Service) Decide(ctx context.Context, itemID string, decision *approval.Decision) (outcome *Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "decider.Decide", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"item.id": itemID})

	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err = decision.CompatibleWith(item.Kind); err != nil {
		return nil, err
	}

	resolved, err := s.store.Resolve(ctx, itemID, decision)
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyResolved) {
			// Expected under decision/timeout races; the winner already
			// applied the effect.
			s.logger.Debug("decision lost resolve race", "item", itemID, "decision", decision.Kind)
		}
		return nil, err
	}

	outcome = &Outcome{Item: resolved, Applied: resolved.Decision.Approved()}
	if decision.Kind == approval.DecisionAcceptWithModification {
		outcome.DialogueDiff = dialogueDiff(resolved)
	}

	if applier := s.applier(resolved.Kind); applier != nil {
		if applyErr := applier.Apply(ctx, resolved); applyErr != nil {
			appErr := &approval.ApplicationError{ItemID: resolved.ID, Kind: resolved.Kind, Err: applyErr}
			s.logger.Error("decision recorded but application failed",
				"item", resolved.ID, "kind", resolved.Kind, "world", resolved.WorldID, "error", applyErr)
			s.notifyApplicationFailed(ctx, resolved)
			outcome.Applied = false
			return outcome, appErr
		}
	}

	s.notifyResolved(ctx, outcome)
	return outcome, nil
}

// AutoApprove resolves an item with a synthesized auto-approval; used by
// fallback policies and the timeout supervisor.
func (s *Service) AutoApprove(ctx context.Context, itemID string) (*Outcome, error) {
	return s.Decide(ctx, itemID, &approval.Decision{
		Kind:      approval.DecisionAutoApproved,
		DecidedBy: "supervisor",
	})
}

// Expire forces an item into the timed-out state; used by the timeout
// supervisor when no auto-approve fallback is configured.
func (s *Service) Expire(ctx context.Context, itemID string) (*Outcome, error) {
	return s.Decide(ctx, itemID, &approval.Decision{
		Kind:      approval.DecisionTimedOut,
		DecidedBy: "supervisor",
	})
}

// resolutionNotice is the approver-facing confirmation envelope, one
// canonical shape for every kind.
type resolutionNotice struct {
	ItemID       string                `json:"itemId"`
	Kind         approval.Kind         `json:"kind"`
	Status       approval.Status       `json:"status"`
	Decision     approval.DecisionKind `json:"decision"`
	DialogueDiff string                `json:"dialogueDiff,omitempty"`
}

func (s *Service) notifyResolved(ctx context.Context, outcome *Outcome) {
	item := outcome.Item
	msg, err := broadcast.NewMessage("approval.resolved", item.WorldID, &resolutionNotice{
		ItemID:       item.ID,
		Kind:         item.Kind,
		Status:       item.Status,
		Decision:     item.Decision.Kind,
		DialogueDiff: outcome.DialogueDiff,
	})
	if err == nil {
		// Best-effort: broadcast failures never fail the decision.
		_ = s.broadcaster.Broadcast(ctx, item.WorldID, broadcast.DmOnly(), msg)
	}
	if s.events != nil {
		topic := approval.TopicItemResolved
		if item.Decision.Kind == approval.DecisionTimedOut {
			topic = approval.TopicItemExpired
		}
		_ = s.events.Publish(ctx, &approval.Event{
			Topic:   topic,
			WorldID: item.WorldID,
			Item:    item,
		})
	}
}

func (s *Service) notifyApplicationFailed(ctx context.Context, item *approval.Item) {
	msg, err := broadcast.NewMessage("approval.applicationFailed", item.WorldID, &resolutionNotice{
		ItemID:   item.ID,
		Kind:     item.Kind,
		Status:   item.Status,
		Decision: item.Decision.Kind,
	})
	if err == nil {
		_ = s.broadcaster.Broadcast(ctx, item.WorldID, broadcast.DmOnly(), msg)
	}
}

// dialogueDiff renders a unified diff between the proposed dialogue in the
// payload and the DM's modified dialogue.
func dialogueDiff(item *approval.Item) string {
	if item.Decision == nil || item.Decision.ModifiedDialogue == "" || len(item.Payload) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return ""
	}
	proposed, _ := payload["proposedDialogue"].(string)
	if proposed == "" {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(proposed),
		B:        difflib.SplitLines(item.Decision.ModifiedDialogue),
		FromFile: "proposed",
		ToFile:   "modified",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
