package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/obs"
	"github.com/noah-isme/backend-paygate/internal/queue"
)

// Webhook event types the engine acts on. Anything else is acknowledged and
// ignored.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventRefundCreated     = "refund.created"
	EventRefundProcessed   = "refund.processed"
	EventRefundFailed      = "refund.failed"
)

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity gateway.PaymentEntity `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity gateway.RefundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// WebhookResult reports what a webhook did to the ledger.
type WebhookResult struct {
	Event    string
	Outcome  string
	EntityID string
	Reason   string
}

// AcceptWebhook authenticates the raw body and hands it to the queue. The
// body is not parsed until the signature matches. eventID is the processor
// event id when the transport has one; the body hash stands in otherwise.
func (e *Engine) AcceptWebhook(ctx context.Context, body []byte, sig, eventID string) error {
	if !e.Verifier.VerifyWebhook(body, sig) {
		obs.CountWebhook("unverified", "invalid_signature")
		e.Logger.Warn().Int("bytes", len(body)).Msg("webhook_signature_rejected")
		return ErrInvalidWebhookSignature
	}
	if e.Queue == nil {
		_, err := e.ProcessWebhook(ctx, body)
		return err
	}
	key := strings.TrimSpace(eventID)
	if key == "" {
		key = "body:" + common.BodyDigest(body)
	}
	kind := e.WebhookTaskKind
	if kind == "" {
		kind = DefaultWebhookTaskKind
	}
	err := e.Queue.Enqueue(ctx, queue.Task{
		Kind:           kind,
		Payload:        body,
		IdempotencyKey: key,
		MaxAttempts:    e.WebhookMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("reconcile: enqueue webhook: %w", err)
	}
	e.Logger.Debug().Str("key", key).Msg("webhook_enqueued")
	return nil
}

// HandleTask runs a queued webhook. Only retryable failures are returned.
func (e *Engine) HandleTask(ctx context.Context, t queue.Task) error {
	_, err := e.ProcessWebhook(ctx, t.Payload)
	return err
}

// ProcessWebhook applies an authenticated webhook body. It returns an error
// only when a retry could succeed: the processor was unreachable or the
// journal write failed.
func (e *Engine) ProcessWebhook(ctx context.Context, body []byte) (res WebhookResult, err error) {
	ctx, span := e.startSpan(ctx, "process_webhook")
	defer func() {
		span.SetAttributes(attribute.String("event", res.Event), attribute.String("outcome", res.Outcome))
		endSpan(span, err)
		outcome := res.Outcome
		if err != nil {
			outcome = "retry"
		}
		obs.CountWebhook(eventLabel(res.Event), outcome)
	}()

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		e.Logger.Warn().Err(err).Msg("webhook_malformed")
		return WebhookResult{Outcome: OutcomeMalformed, Reason: "body is not a webhook envelope"}, nil
	}
	res = WebhookResult{Event: env.Event}

	switch env.Event {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed:
		if env.Payload.Payment == nil {
			return malformed(res, "payment entity missing"), nil
		}
		res, err = e.applyPaymentEvent(ctx, env.Event, env.Payload.Payment.Entity)
	case EventRefundCreated, EventRefundProcessed, EventRefundFailed:
		if env.Payload.Refund == nil {
			return malformed(res, "refund entity missing"), nil
		}
		res, err = e.applyRefundEvent(ctx, env.Event, env.Payload.Refund.Entity)
	default:
		res.Outcome = OutcomeIgnored
	}
	res.Event = env.Event
	if err != nil {
		e.Logger.Warn().Err(err).Str("event", env.Event).Str("id", res.EntityID).Msg("webhook_retryable_failure")
		return res, err
	}
	e.Logger.Info().Str("event", env.Event).Str("id", res.EntityID).Str("outcome", res.Outcome).Msg("webhook_processed")
	return res, nil
}

func malformed(res WebhookResult, reason string) WebhookResult {
	res.Outcome = OutcomeMalformed
	res.Reason = reason
	return res
}

func eventLabel(event string) string {
	switch event {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed,
		EventRefundCreated, EventRefundProcessed, EventRefundFailed:
		return event
	case "":
		return "unparsed"
	}
	return "other"
}

func paymentStatusForEvent(event string) ledger.PaymentStatus {
	switch event {
	case EventPaymentAuthorized:
		return ledger.PaymentAttempted
	case EventPaymentCaptured:
		return ledger.PaymentPaid
	default:
		return ledger.PaymentFailed
	}
}

func (e *Engine) applyPaymentEvent(ctx context.Context, event string, entity gateway.PaymentEntity) (WebhookResult, error) {
	res := WebhookResult{Event: event, EntityID: entity.ID}
	if entity.ID == "" || entity.OrderID == "" {
		return malformed(res, "payment id and order id are required"), nil
	}
	if _, err := e.Ledger.Order(entity.OrderID); err != nil {
		res.Outcome = OutcomeMiss
		res.Reason = "unknown order " + entity.OrderID
		return res, nil
	}

	update := ledger.PaymentUpdate{
		PaymentID: entity.ID,
		OrderID:   entity.OrderID,
		Status:    paymentStatusForEvent(event),
		Amount:    entity.Amount,
		Currency:  entity.Currency,
		Method:    entity.Method,
		Source:    "webhook",
	}
	if e.ConfirmWebhooks {
		gp, err := e.Gateway.FetchPayment(ctx, entity.ID)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			res.Outcome = OutcomeMiss
			res.Reason = "processor has no payment " + entity.ID
			return res, nil
		case err != nil:
			if gateway.Retryable(err) {
				return res, gatewayError("confirm payment", err)
			}
			return malformed(res, err.Error()), nil
		}
		if gp.OrderID != entity.OrderID {
			e.anomaly(ctx, audit.Anomaly{
				Entity:   "payment",
				EntityID: entity.ID,
				To:       string(gp.Status),
				Reason:   fmt.Sprintf("webhook names order %q, processor reports %q", entity.OrderID, gp.OrderID),
				Source:   "webhook",
				Metadata: map[string]any{"event": event},
			})
			res.Outcome = OutcomeAnomaly
			res.Reason = "order mismatch"
			return res, nil
		}
		update.Status = gp.Status
		update.Amount = gp.Amount
		update.Currency = gp.Currency
		if gp.Method != "" {
			update.Method = gp.Method
		}
	}

	p, outcome, err := e.Ledger.RecordOrAdvancePayment(ctx, update)
	var te *ledger.TransitionError
	switch {
	case errors.As(err, &te):
		e.transitionAnomaly(ctx, te, "webhook", map[string]any{"event": event, "order_id": entity.OrderID})
		res.Outcome = OutcomeAnomaly
		res.Reason = te.Error()
		return res, nil
	case errors.Is(err, ledger.ErrUnknownEntity):
		res.Outcome = OutcomeMiss
		res.Reason = err.Error()
		return res, nil
	case errors.Is(err, ledger.ErrInvalidInput):
		return malformed(res, err.Error()), nil
	case err != nil:
		return res, err
	case outcome == ledger.OutcomeApplied:
		res.Outcome = OutcomeApplied
		e.emitPayment(ctx, p)
	default:
		res.Outcome = OutcomeUnchanged
	}
	return res, nil
}

func refundStatusForEvent(event string) string {
	switch event {
	case EventRefundProcessed:
		return "processed"
	case EventRefundFailed:
		return "failed"
	}
	return "pending"
}

func (e *Engine) applyRefundEvent(ctx context.Context, event string, entity gateway.RefundEntity) (WebhookResult, error) {
	res := WebhookResult{Event: event, EntityID: entity.ID}
	if entity.ID == "" || entity.PaymentID == "" {
		return malformed(res, "refund id and payment id are required"), nil
	}
	if _, ok := gateway.NormaliseRefundStatus(entity.Status); !ok {
		entity.Status = refundStatusForEvent(event)
	}
	r, err := entity.Refund()
	if err != nil {
		return malformed(res, err.Error()), nil
	}
	payment, err := e.Ledger.Payment(r.PaymentID)
	if err != nil {
		res.Outcome = OutcomeMiss
		res.Reason = "unknown payment " + r.PaymentID
		return res, nil
	}

	applied, outcome, err := e.Ledger.ApplyRefund(ctx, refundUpdate(r, "webhook"))
	if res, handled := e.refundRejection(ctx, res, r, err, map[string]any{"event": event}); handled {
		return res, nil
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return malformed(res, err.Error()), nil
	case err != nil:
		return res, err
	case outcome == ledger.OutcomeApplied:
		res.Outcome = OutcomeApplied
		e.afterRefund(ctx, payment, applied)
	default:
		res.Outcome = OutcomeUnchanged
	}
	return res, nil
}

// refundRejection turns ledger refusals of an authentic refund into
// anomalies. It reports whether err was one of them.
func (e *Engine) refundRejection(ctx context.Context, res WebhookResult, r gateway.Refund, err error, meta map[string]any) (WebhookResult, bool) {
	var te *ledger.TransitionError
	switch {
	case errors.As(err, &te):
		e.transitionAnomaly(ctx, te, "webhook", meta)
		res.Reason = te.Error()
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrNotRefundable):
		e.anomaly(ctx, audit.Anomaly{
			Entity:   "refund",
			EntityID: r.ID,
			To:       string(r.Status),
			Reason:   err.Error(),
			Source:   "webhook",
			Metadata: meta,
		})
		res.Reason = err.Error()
	case errors.Is(err, ledger.ErrUnknownEntity):
		res.Outcome = OutcomeMiss
		res.Reason = err.Error()
		return res, true
	default:
		return res, false
	}
	res.Outcome = OutcomeAnomaly
	return res, true
}

func refundUpdate(r gateway.Refund, source string) ledger.RefundUpdate {
	u := ledger.RefundUpdate{
		RefundID:  r.ID,
		PaymentID: r.PaymentID,
		Amount:    r.Amount,
		Status:    r.Status,
		Speed:     r.Speed,
		Notes:     r.Notes,
		Source:    source,
	}
	if r.CreatedAt > 0 {
		u.CreatedAt = time.Unix(r.CreatedAt, 0).UTC()
	}
	return u
}

// afterRefund emits the refund event and, when the refund closed out the
// payment, the payment event too.
func (e *Engine) afterRefund(ctx context.Context, before ledger.Payment, r ledger.Refund) {
	e.emitRefund(ctx, before.OrderID, r)
	if before.Status == ledger.PaymentRefunded {
		return
	}
	if p, err := e.Ledger.Payment(r.PaymentID); err == nil && p.Status == ledger.PaymentRefunded {
		e.emitPayment(ctx, p)
	}
}
