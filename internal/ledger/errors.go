package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntity is returned when a lookup misses.
	ErrUnknownEntity = errors.New("ledger: unknown entity")
	// ErrIllegalTransition is matched by every *TransitionError.
	ErrIllegalTransition = errors.New("ledger: illegal transition")
	// ErrInsufficientBalance is returned when a refund exceeds what remains refundable.
	ErrInsufficientBalance = errors.New("ledger: refund exceeds refundable balance")
	// ErrNotRefundable is returned when the payment is not in a refundable status.
	ErrNotRefundable = errors.New("ledger: payment not refundable")
	// ErrDuplicate is returned when an entity id is already recorded.
	ErrDuplicate = errors.New("ledger: duplicate entity")
	// ErrInvalidInput is returned for structurally invalid mutations.
	ErrInvalidInput = errors.New("ledger: invalid input")
)

// TransitionError describes a rejected status change. It is an anomaly: the
// signal was authentic but contradicts what the ledger already holds.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("ledger: illegal %s transition %q -> %q for %s", e.Entity, e.From, e.To, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
