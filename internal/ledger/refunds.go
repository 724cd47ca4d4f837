package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ApplyRefund records a new refund or advances a known one.
//
// A new refund needs a paid payment and must fit within the refundable
// balance. A payment already marked refunded by a processor fetch still
// accepts the refunds that explain that status, up to its amount. Refunds only move created → processed|failed; a failed refund stops
// counting against the balance. Once refunds that have not failed cover the
// whole payment amount the payment moves to refunded.
func (l *Ledger) ApplyRefund(ctx context.Context, u RefundUpdate) (Refund, Outcome, error) {
	u.RefundID = strings.TrimSpace(u.RefundID)
	u.PaymentID = strings.TrimSpace(u.PaymentID)
	if u.RefundID == "" || u.PaymentID == "" {
		return Refund{}, "", invalid("refund and payment ids are required")
	}
	if u.Status == "" {
		u.Status = RefundCreated
	}
	if !u.Status.Valid() {
		return Refund{}, "", invalid("unknown refund status %q", u.Status)
	}

	l.mu.RLock()
	owner, ok := l.payments[u.PaymentID]
	l.mu.RUnlock()
	if !ok {
		return Refund{}, "", fmt.Errorf("%w: payment %s", ErrUnknownEntity, u.PaymentID)
	}

	var (
		result  Refund
		outcome Outcome
	)
	err := l.withOrder(ctx, owner.OrderID, func(ctx context.Context) error {
		l.mu.RLock()
		payment := l.payments[u.PaymentID]
		current, exists := l.refunds[u.RefundID]
		refunded := l.refundedLocked(u.PaymentID)
		l.mu.RUnlock()
		now := l.Clock()

		if exists {
			return l.advanceRefund(ctx, current, payment, refunded, u, &result, &outcome)
		}

		if u.Amount <= 0 {
			return invalid("refund amount must be positive")
		}
		if payment.Status != PaymentPaid && payment.Status != PaymentRefunded {
			return fmt.Errorf("%w: payment %s is %s", ErrNotRefundable, payment.ID, payment.Status)
		}
		if u.Status != RefundFailed && u.Amount > payment.Amount-refunded {
			return fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientBalance, u.Amount, payment.Amount-refunded)
		}
		r := Refund{
			ID:        u.RefundID,
			PaymentID: u.PaymentID,
			Amount:    u.Amount,
			Currency:  payment.Currency,
			Status:    u.Status,
			Speed:     u.Speed,
			Notes:     cloneNotes(u.Notes),
			CreatedAt: u.CreatedAt,
			UpdatedAt: now,
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		change := Change{Refund: &r}
		if payment.Status == PaymentPaid && r.Status != RefundFailed && refunded+r.Amount == payment.Amount {
			payment.Status = PaymentRefunded
			payment.UpdatedAt = now
			change.Payment = &payment
		}
		if err := l.commit(ctx, change); err != nil {
			return err
		}
		result, outcome = r.clone(), OutcomeApplied
		return nil
	})
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			l.anomaly(u.Source, te)
		}
		return Refund{}, "", err
	}
	return result, outcome, nil
}

func (l *Ledger) advanceRefund(ctx context.Context, current Refund, payment Payment, refunded int64, u RefundUpdate, result *Refund, outcome *Outcome) error {
	if current.PaymentID != u.PaymentID {
		return &TransitionError{
			Entity: "refund", ID: current.ID,
			From: string(current.Status), To: string(u.Status),
			Reason: fmt.Sprintf("refund belongs to payment %s, signal names %s", current.PaymentID, u.PaymentID),
		}
	}
	now := l.Clock()
	if current.Status == u.Status {
		filled := current.clone()
		if filled.Speed == "" && u.Speed != "" {
			filled.Speed = u.Speed
			filled.UpdatedAt = now
			if err := l.commit(ctx, Change{Refund: &filled}); err != nil {
				return err
			}
		}
		*result, *outcome = filled, OutcomeUnchanged
		return nil
	}
	if !refundCanAdvance(current.Status, u.Status) {
		return &TransitionError{
			Entity: "refund", ID: current.ID,
			From: string(current.Status), To: string(u.Status),
			Reason: "refund is in a terminal status",
		}
	}

	next := current.clone()
	next.Status = u.Status
	if next.Speed == "" {
		next.Speed = u.Speed
	}
	next.UpdatedAt = now
	if err := l.commit(ctx, Change{Refund: &next}); err != nil {
		return err
	}
	if next.Status == RefundFailed && payment.Status == PaymentRefunded {
		// The payment stays refunded: refunded is terminal even though the
		// balance is now partly open again.
		l.anomaly(u.Source, &TransitionError{
			Entity: "payment", ID: payment.ID,
			From: string(PaymentRefunded), To: string(PaymentPaid),
			Reason: fmt.Sprintf("refund %s failed after payment was fully refunded (%d of %d still covered)", next.ID, refunded-next.Amount, payment.Amount),
		})
	}
	*result, *outcome = next, OutcomeApplied
	return nil
}
