package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RecordOrAdvancePayment records a new payment or advances an existing one.
//
// Repeating the current status is a no-op apart from filling in a method or
// signature that was not known before. A status that is not a legal forward
// transition is rejected with a *TransitionError and logged as an anomaly; the
// stored payment is left untouched.
func (l *Ledger) RecordOrAdvancePayment(ctx context.Context, u PaymentUpdate) (Payment, Outcome, error) {
	u.PaymentID = strings.TrimSpace(u.PaymentID)
	u.OrderID = strings.TrimSpace(u.OrderID)
	if u.PaymentID == "" || u.OrderID == "" {
		return Payment{}, "", invalid("payment and order ids are required")
	}
	if !u.Status.Valid() {
		return Payment{}, "", invalid("unknown payment status %q", u.Status)
	}
	if u.Amount < 0 {
		return Payment{}, "", invalid("payment amount must not be negative")
	}

	var (
		result  Payment
		outcome Outcome
	)
	err := l.withOrder(ctx, u.OrderID, func(ctx context.Context) error {
		l.mu.RLock()
		order, orderOK := l.orders[u.OrderID]
		current, exists := l.payments[u.PaymentID]
		l.mu.RUnlock()
		if !orderOK {
			return fmt.Errorf("%w: order %s", ErrUnknownEntity, u.OrderID)
		}
		now := l.Clock()

		if !exists {
			if u.Status == PaymentRefunded {
				return &TransitionError{
					Entity: "payment", ID: u.PaymentID, To: string(u.Status),
					Reason: "payment unknown to the ledger cannot start refunded",
				}
			}
			p := Payment{
				ID:        u.PaymentID,
				OrderID:   u.OrderID,
				Amount:    u.Amount,
				Currency:  strings.ToUpper(strings.TrimSpace(u.Currency)),
				Status:    u.Status,
				Method:    u.Method,
				Signature: u.Signature,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if p.Amount == 0 {
				p.Amount = order.Amount
			}
			if p.Currency == "" {
				p.Currency = order.Currency
			}
			change := Change{Payment: &p}
			if next := orderStatusFor(order.Status, p.Status); next != order.Status {
				order.Status = next
				order.UpdatedAt = now
				change.Order = &order
			}
			if err := l.commit(ctx, change); err != nil {
				return err
			}
			result, outcome = p, OutcomeApplied
			return nil
		}

		if current.OrderID != u.OrderID {
			return &TransitionError{
				Entity: "payment", ID: u.PaymentID,
				From: string(current.Status), To: string(u.Status),
				Reason: fmt.Sprintf("payment belongs to order %s, signal names %s", current.OrderID, u.OrderID),
			}
		}

		if current.Status == u.Status {
			filled := current
			if filled.Method == "" && u.Method != "" {
				filled.Method = u.Method
			}
			if filled.Signature == "" && u.Signature != "" {
				filled.Signature = u.Signature
			}
			if filled != current {
				filled.UpdatedAt = now
				if err := l.commit(ctx, Change{Payment: &filled}); err != nil {
					return err
				}
			}
			result, outcome = filled, OutcomeUnchanged
			return nil
		}

		if !paymentCanAdvance(current.Status, u.Status) {
			reason := "not a forward transition"
			if current.Status.Terminal() {
				reason = "payment is in a terminal status"
			}
			return &TransitionError{
				Entity: "payment", ID: u.PaymentID,
				From: string(current.Status), To: string(u.Status),
				Reason: reason,
			}
		}

		next := current
		next.Status = u.Status
		if next.Method == "" {
			next.Method = u.Method
		}
		if next.Signature == "" {
			next.Signature = u.Signature
		}
		next.UpdatedAt = now
		change := Change{Payment: &next}
		if status := orderStatusFor(order.Status, next.Status); status != order.Status {
			order.Status = status
			order.UpdatedAt = now
			change.Order = &order
		}
		if err := l.commit(ctx, change); err != nil {
			return err
		}
		result, outcome = next, OutcomeApplied
		return nil
	})
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			l.anomaly(u.Source, te)
		}
		return Payment{}, "", err
	}
	return result, outcome, nil
}
