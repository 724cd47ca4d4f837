package reconcile

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/obs"
)

// RefundInput asks for a refund. Amount is in minor units; zero refunds the
// whole remaining balance.
type RefundInput struct {
	PaymentID string
	Amount    int64
	Notes     map[string]string
	Speed     string
}

// RequestRefund refunds a payment through the processor and records the
// result. Requests for the same payment are serialised so two concurrent
// refunds cannot both pass the balance check.
func (e *Engine) RequestRefund(ctx context.Context, in RefundInput) (refund ledger.Refund, err error) {
	in.PaymentID = strings.TrimSpace(in.PaymentID)
	ctx, span := e.startSpan(ctx, "request_refund", attribute.String("payment_id", in.PaymentID), attribute.Int64("amount", in.Amount))
	defer func() {
		endSpan(span, err)
		obs.CountRefund(refundResultLabel(err))
	}()

	err = e.withLock(ctx, "refund:"+in.PaymentID, func(ctx context.Context) error {
		if _, err := e.Ledger.CheckRefund(in.PaymentID, in.Amount); err != nil {
			return err
		}
		before, err := e.Ledger.Payment(in.PaymentID)
		if err != nil {
			return err
		}

		req := gateway.RefundRequest{PaymentID: in.PaymentID, Notes: in.Notes, Speed: in.Speed}
		if in.Amount > 0 {
			amount := in.Amount
			req.Amount = &amount
		}
		g, err := e.Gateway.CreateRefund(ctx, req)
		if err != nil {
			return gatewayError("create refund", err)
		}
		if g.PaymentID == "" {
			g.PaymentID = in.PaymentID
		}

		applied, outcome, err := e.Ledger.ApplyRefund(ctx, refundUpdate(g, "refund"))
		if err != nil {
			// The processor accepted a refund the ledger refuses; keep it
			// visible to operators.
			if !errors.Is(err, ledger.ErrUnknownEntity) && !errors.Is(err, ledger.ErrInvalidInput) {
				e.anomaly(ctx, audit.Anomaly{
					Entity:   "refund",
					EntityID: g.ID,
					To:       string(g.Status),
					Reason:   err.Error(),
					Source:   "refund",
					Metadata: map[string]any{"payment_id": in.PaymentID, "amount": g.Amount},
				})
			}
			return err
		}
		refund = applied
		if outcome == ledger.OutcomeApplied {
			e.afterRefund(ctx, before, applied)
		} else if current, lookupErr := e.Ledger.Refund(g.ID); lookupErr == nil {
			refund = current
		}
		return nil
	})
	if err != nil {
		return ledger.Refund{}, err
	}
	e.Logger.Info().
		Str("refund_id", refund.ID).
		Str("payment_id", refund.PaymentID).
		Int64("amount", refund.Amount).
		Str("status", string(refund.Status)).
		Msg("refund_requested")
	return refund, nil
}

func refundResultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrNotRefundable), errors.Is(err, ledger.ErrInvalidInput):
		return "rejected"
	case errors.Is(err, ledger.ErrUnknownEntity):
		return "unknown"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
