package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/internal/idgen"
)

// Kind identifies what sort of proposal an item carries. The enumeration is
// closed: adding a kind requires a payload type registration and an applier.
type Kind string

const (
	KindNpcResponse         Kind = "npcResponse"
	KindToolUsage           Kind = "toolUsage"
	KindChallengeSuggestion Kind = "challengeSuggestion"
	KindSceneTransition     Kind = "sceneTransition"
	KindChallengeOutcome    Kind = "challengeOutcome"
	KindStagingProposal     Kind = "stagingProposal"
	KindAssetGeneration     Kind = "assetGeneration"
)

// Urgency orders items for DM presentation. Higher values surface first.
type Urgency int

const (
	// UrgencyNormal - can wait
	UrgencyNormal Urgency = iota
	// UrgencyAwaitingPlayer - a player is blocked on the answer
	UrgencyAwaitingPlayer
	// UrgencySceneCritical - immediate attention needed
	UrgencySceneCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyAwaitingPlayer:
		return "awaitingPlayer"
	case UrgencySceneCritical:
		return "sceneCritical"
	default:
		return "normal"
	}
}

// Status is the lifecycle state of an item. Pending is the only non-terminal
// state; transitions are one-directional.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusTimedOut     Status = "timedOut"
	StatusAutoApproved Status = "autoApproved"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// DecisionKind captures the DM's intent (or the synthesized intent of the
// timeout supervisor).
type DecisionKind string

const (
	DecisionAccept                 DecisionKind = "accept"
	DecisionAcceptWithModification DecisionKind = "acceptWithModification"
	DecisionAcceptWithRecipients   DecisionKind = "acceptWithRecipients"
	DecisionTakeOver               DecisionKind = "takeOver"
	DecisionReject                 DecisionKind = "reject"
	DecisionTimedOut               DecisionKind = "timedOut"
	DecisionAutoApproved           DecisionKind = "autoApproved"
)

// Decision records how a pending item was resolved. One canonical definition
// covers every kind; CompatibleWith rejects field combinations that make no
// sense for a given item kind.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	DecidedBy string       `json:"decidedBy,omitempty"` // DM client id, or "supervisor"
	DecidedAt time.Time    `json:"decidedAt"`

	// AcceptWithModification
	ModifiedDialogue string   `json:"modifiedDialogue,omitempty"`
	ApprovedTools    []string `json:"approvedTools,omitempty"`
	RejectedTools    []string `json:"rejectedTools,omitempty"`

	// AcceptWithRecipients - item ids to receiving character ids
	ItemRecipients map[string][]string `json:"itemRecipients,omitempty"`

	// Reject
	Feedback string `json:"feedback,omitempty"`

	// TakeOver
	DmResponse string `json:"dmResponse,omitempty"`

	// StagingProposal decisions: the approved NPC character ids (possibly a
	// DM-edited subset or superset of the proposal).
	ApprovedNpcs []ApprovedNpc `json:"approvedNpcs,omitempty"`
}

// ApprovedNpc is the DM's verdict on a single staged NPC.
type ApprovedNpc struct {
	CharacterID       string `json:"characterId"`
	Present           bool   `json:"present"`
	Mood              string `json:"mood,omitempty"`
	Reasoning         string `json:"reasoning,omitempty"`
	HiddenFromPlayers bool   `json:"hiddenFromPlayers,omitempty"`
}

// TerminalStatus maps the decision kind onto the item status it produces.
func (d *Decision) TerminalStatus() Status {
	switch d.Kind {
	case DecisionReject:
		return StatusRejected
	case DecisionTimedOut:
		return StatusTimedOut
	case DecisionAutoApproved:
		return StatusAutoApproved
	default:
		return StatusApproved
	}
}

// Approved reports whether the decision lets the proposal take effect.
func (d *Decision) Approved() bool {
	switch d.Kind {
	case DecisionReject, DecisionTimedOut:
		return false
	default:
		return true
	}
}

// CompatibleWith validates the decision against the item kind it targets.
// Structurally invalid input is never coerced; the caller gets
// ErrIncompatibleDecision and nothing is recorded.
func (d *Decision) CompatibleWith(kind Kind) error {
	if d == nil {
		return fmt.Errorf("nil decision: %w", ErrIncompatibleDecision)
	}
	switch d.Kind {
	case DecisionAccept, DecisionReject, DecisionTimedOut, DecisionAutoApproved:
	case DecisionAcceptWithModification:
		if kind == KindStagingProposal || kind == KindSceneTransition || kind == KindAssetGeneration {
			return fmt.Errorf("%s decision on %s item: %w", d.Kind, kind, ErrIncompatibleDecision)
		}
	case DecisionAcceptWithRecipients:
		if kind != KindNpcResponse && kind != KindToolUsage {
			return fmt.Errorf("%s decision on %s item: %w", d.Kind, kind, ErrIncompatibleDecision)
		}
	case DecisionTakeOver:
		if kind != KindNpcResponse {
			return fmt.Errorf("%s decision on %s item: %w", d.Kind, kind, ErrIncompatibleDecision)
		}
	default:
		return fmt.Errorf("unknown decision kind %q: %w", d.Kind, ErrIncompatibleDecision)
	}
	if d.ModifiedDialogue != "" && kind == KindStagingProposal {
		return fmt.Errorf("dialogue modification on %s item: %w", kind, ErrIncompatibleDecision)
	}
	if len(d.ApprovedNpcs) > 0 && kind != KindStagingProposal {
		return fmt.Errorf("approved NPC set on %s item: %w", kind, ErrIncompatibleDecision)
	}
	return nil
}

// Item is a single unit of work awaiting a DM decision. The Store owns the
// canonical copy; everything else references items by id.
type Item struct {
	ID      string `json:"id"`
	WorldID string `json:"worldId"`
	Kind    Kind   `json:"kind"`

	// CorrelationKey scopes the at-most-one-pending invariant: at most one
	// pending item per (WorldID, CorrelationKey). Empty means uncorrelated.
	CorrelationKey string `json:"correlationKey,omitempty"`

	Urgency   Urgency         `json:"urgency"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"` // nil: never auto-resolves

	Status   Status    `json:"status"`
	Decision *Decision `json:"decision,omitempty"` // nil iff Status == pending
}

// NewItem builds a pending item with a fresh id, encoding the kind-specific
// payload. The payload's Go type must match the registered type for kind.
func NewItem(worldID string, kind Kind, urgency Urgency, payload any) (*Item, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Item{
		ID:        idgen.New(),
		WorldID:   worldID,
		Kind:      kind,
		Urgency:   urgency,
		Payload:   data,
		CreatedAt: clock.Now(),
		Status:    StatusPending,
	}, nil
}

// WithCorrelation sets the correlation key.
func (i *Item) WithCorrelation(key string) *Item {
	i.CorrelationKey = key
	return i
}

// WithDeadline sets the expiry instant.
func (i *Item) WithDeadline(t time.Time) *Item {
	i.ExpiresAt = &t
	return i
}

// Expired reports whether the item's deadline has passed at instant t.
func (i *Item) Expired(t time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(t)
}

// Clone returns a deep-enough copy so that callers never share the Store's
// canonical value.
func (i *Item) Clone() *Item {
	cp := *i
	if i.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.Decision != nil {
		d := *i.Decision
		cp.Decision = &d
	}
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
