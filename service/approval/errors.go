package approval

import (
	"errors"
	"fmt"
)

// Sentinel errors let callers detect conditions via errors.Is instead of
// string comparison.
var (
	// ErrNotFound is returned when the referenced item does not exist.
	ErrNotFound = errors.New("approval: item not found")

	// ErrAlreadyResolved is returned when a decision arrives for an item in a
	// terminal state. Expected under timeout/decision races; callers treat it
	// as "someone else already decided", not as a user-facing failure.
	ErrAlreadyResolved = errors.New("approval: item already resolved")

	// ErrDuplicatePending is returned by Enqueue when a pending item already
	// exists for the same (world, correlation key).
	ErrDuplicatePending = errors.New("approval: duplicate pending item")

	// ErrIncompatibleDecision is returned when a decision's fields are not
	// valid for the target item's kind.
	ErrIncompatibleDecision = errors.New("approval: decision incompatible with item kind")
)

// ApplicationError reports that a decision was durably recorded but the
// downstream effect could not be applied. The item stays resolved - the
// decision is never re-applied automatically - so the error carries enough
// context for operator follow-up.
type ApplicationError struct {
	ItemID string
	Kind   Kind
	Err    error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("approval: decision on %s item %s recorded but not applied: %v", e.Kind, e.ItemID, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }
