package policy

import (
	"context"
	"strings"

	"github.com/wrldbldr/stagegate/service/approval"
)

// Review modes recognised by the engine.
const (
	ModeAsk  = "ask"  // queue for DM review (default)
	ModeAuto = "auto" // resolve immediately without review
	ModeDeny = "deny" // reject without review
)

// Policy represents the review settings for one world.
//
//   - Mode controls the high-level behaviour (ask / auto / deny).
//   - AllowList, BlockList allow coarse filtering by kind regardless of Mode.
//   - TimeoutApprove lists the kinds that resolve as auto-approved when their
//     deadline passes; all other kinds time out.
//   - NoDmApprove lists the kinds that skip the queue entirely while no DM is
//     connected to the world.
//
// A nil *Policy means "queue everything and time out on deadline" and is
// therefore the zero-cost default.
type Policy struct {
	Mode           string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowList      []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList      []string `json:"block,omitempty" yaml:"block,omitempty"`
	TimeoutApprove []string `json:"timeoutApprove,omitempty" yaml:"timeoutApprove,omitempty"`
	NoDmApprove    []string `json:"noDmApprove,omitempty" yaml:"noDmApprove,omitempty"`
}

// Default returns the policy used when a world has none configured: every
// kind queues for review, staging falls back to its rule-based set on
// timeout or when no DM is connected.
func Default() *Policy {
	return &Policy{
		Mode:           ModeAsk,
		TimeoutApprove: []string{string(approval.KindStagingProposal)},
		NoDmApprove:    []string{string(approval.KindStagingProposal)},
	}
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	return &Policy{
		Mode:           p.Mode,
		AllowList:      append([]string(nil), p.AllowList...),
		BlockList:      append([]string(nil), p.BlockList...),
		TimeoutApprove: append([]string(nil), p.TimeoutApprove...),
		NoDmApprove:    append([]string(nil), p.NoDmApprove...),
	}
}

// IsAllowed evaluates AllowList / BlockList. Both lists match by exact
// case-insensitive comparison of the kind name.
func (p *Policy) IsAllowed(kind approval.Kind) bool {
	if p == nil {
		return true
	}

	normalized := strings.ToLower(string(kind))

	// BlockList has priority.
	for _, b := range p.BlockList {
		if normalized == strings.ToLower(b) {
			return false
		}
	}

	// AllowList - if empty everything is allowed, otherwise only the listed
	// entries.
	if len(p.AllowList) == 0 {
		return true
	}

	for _, a := range p.AllowList {
		if normalized == strings.ToLower(a) {
			return true
		}
	}

	return false
}

// ApprovesOnTimeout reports whether an expired item of the given kind should
// resolve as auto-approved rather than timed out.
func (p *Policy) ApprovesOnTimeout(kind approval.Kind) bool {
	if p == nil {
		return false
	}
	return containsKind(p.TimeoutApprove, kind)
}

// ApprovesWithoutDm reports whether an item of the given kind may bypass the
// queue while no DM is connected.
func (p *Policy) ApprovesWithoutDm(kind approval.Kind) bool {
	if p == nil {
		return false
	}
	return containsKind(p.NoDmApprove, kind)
}

func containsKind(list []string, kind approval.Kind) bool {
	normalized := strings.ToLower(string(kind))
	for _, k := range list {
		if normalized == strings.ToLower(k) {
			return true
		}
	}
	return false
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the *Policy when present.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
