package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/obs"
)

// Outcome values reported by VerifyPayment and ProcessWebhook.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeAnomaly   = "anomaly"
	OutcomeMiss      = "miss"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
)

// VerifyInput is what the client reports after checkout.
type VerifyInput struct {
	OrderID   string
	PaymentID string
	Signature string
}

// VerifyResult is the ledger view after a verification. Anomaly is set when
// the processor status contradicts the ledger; the request still completes.
type VerifyResult struct {
	Outcome   string
	Order     ledger.Order
	Payment   ledger.Payment
	Processor gateway.Payment
	Anomaly   *ledger.TransitionError
}

// VerifyPayment authenticates a client-reported payment and applies the
// status the processor reports for it. The client never supplies the status.
func (e *Engine) VerifyPayment(ctx context.Context, in VerifyInput) (res VerifyResult, err error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.PaymentID = strings.TrimSpace(in.PaymentID)
	ctx, span := e.startSpan(ctx, "verify_payment", attribute.String("order_id", in.OrderID), attribute.String("payment_id", in.PaymentID))
	defer func() {
		endSpan(span, err)
		obs.CountVerify(verifyResultLabel(res, err))
	}()

	if !e.Verifier.VerifyPayment(in.OrderID, in.PaymentID, in.Signature) {
		e.Logger.Warn().Str("order_id", in.OrderID).Str("payment_id", in.PaymentID).Msg("payment_signature_rejected")
		return VerifyResult{}, ErrInvalidSignature
	}
	if _, err := e.Ledger.Order(in.OrderID); err != nil {
		return VerifyResult{}, err
	}

	// Fetched before any lock is taken; the ledger serialises the write.
	gp, err := e.Gateway.FetchPayment(ctx, in.PaymentID)
	if err != nil {
		return VerifyResult{}, gatewayError("fetch payment", err)
	}
	if gp.OrderID != in.OrderID {
		e.anomaly(ctx, audit.Anomaly{
			Entity:   "payment",
			EntityID: in.PaymentID,
			To:       string(gp.Status),
			Reason:   fmt.Sprintf("processor attributes payment to order %q, client claimed %q", gp.OrderID, in.OrderID),
			Source:   "verify",
		})
		return VerifyResult{}, fmt.Errorf("%w: %s", ErrOrderMismatch, in.PaymentID)
	}

	p, outcome, err := e.Ledger.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{
		PaymentID: gp.ID,
		OrderID:   in.OrderID,
		Status:    gp.Status,
		Amount:    gp.Amount,
		Currency:  gp.Currency,
		Method:    gp.Method,
		Signature: in.Signature,
		Source:    "verify",
	})
	res = VerifyResult{Processor: gp, Payment: p}
	var te *ledger.TransitionError
	switch {
	case errors.As(err, &te):
		e.transitionAnomaly(ctx, te, "verify", map[string]any{"order_id": in.OrderID})
		res.Outcome = OutcomeAnomaly
		res.Anomaly = te
		if current, lookupErr := e.Ledger.Payment(in.PaymentID); lookupErr == nil {
			res.Payment = current
		}
	case err != nil:
		return VerifyResult{}, err
	case outcome == ledger.OutcomeApplied:
		res.Outcome = OutcomeApplied
		e.emitPayment(ctx, p)
	default:
		res.Outcome = OutcomeUnchanged
	}
	res.Order, _ = e.Ledger.Order(in.OrderID)
	span.SetAttributes(attribute.String("outcome", res.Outcome), attribute.String("status", string(res.Payment.Status)))
	e.Logger.Info().
		Str("order_id", in.OrderID).
		Str("payment_id", in.PaymentID).
		Str("status", string(res.Payment.Status)).
		Str("outcome", res.Outcome).
		Msg("payment_verified")
	return res, nil
}

func verifyResultLabel(res VerifyResult, err error) string {
	switch {
	case err == nil:
		return res.Outcome
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrOrderMismatch):
		return "order_mismatch"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ledger.ErrUnknownEntity):
		return "unknown"
	default:
		return "error"
	}
}
