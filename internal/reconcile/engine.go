// Package reconcile applies processor signals to the ledger. Signals arrive
// from the client after checkout (verify) and from processor webhooks; both
// paths authenticate first and then only move entities forward.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/events"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/queue"
	"github.com/noah-isme/backend-paygate/internal/signature"
)

// DefaultWebhookTaskKind is the queue kind webhook bodies are enqueued under.
const DefaultWebhookTaskKind = "webhook"

var tracer = otel.Tracer("github.com/noah-isme/backend-paygate/internal/reconcile")

// Locker serialises work on a key, across processes when backed by Redis.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// TaskQueue accepts webhook bodies for asynchronous processing.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Engine wires the ledger to the processor. Queue, Events and Locker are
// optional; without a queue webhooks are processed inline.
type Engine struct {
	Ledger    *ledger.Ledger
	Gateway   gateway.Client
	Verifier  signature.Verifier
	Queue     TaskQueue
	Anomalies audit.Service
	Events    *events.Bus
	Locker    Locker
	LockTTL   time.Duration
	// ConfirmWebhooks re-fetches the payment from the processor before
	// applying a payment webhook.
	ConfirmWebhooks    bool
	WebhookTaskKind    string
	WebhookMaxAttempts int
	Logger             zerolog.Logger
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "reconcile."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if e.Locker == nil {
		return fn(ctx)
	}
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return e.Locker.WithLock(ctx, key, ttl, fn)
}

func (e *Engine) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if _, err := e.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		e.Logger.Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("domain_event_failed")
	}
}

func (e *Engine) emitPayment(ctx context.Context, p ledger.Payment) {
	topic, ok := events.PaymentTopic(string(p.Status))
	if !ok {
		return
	}
	e.emit(ctx, topic, p.OrderID, map[string]any{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
		"status":     p.Status,
		"amount":     p.Amount,
		"currency":   p.Currency,
		"method":     p.Method,
	})
}

func (e *Engine) emitRefund(ctx context.Context, orderID string, r ledger.Refund) {
	topic, ok := events.RefundTopic(string(r.Status))
	if !ok {
		return
	}
	e.emit(ctx, topic, orderID, map[string]any{
		"refund_id":  r.ID,
		"payment_id": r.PaymentID,
		"status":     r.Status,
		"amount":     r.Amount,
		"speed":      r.Speed,
	})
}

// anomaly records a signal the ledger refused. Recording failures are logged
// by the audit service and never fail the caller.
func (e *Engine) anomaly(ctx context.Context, a audit.Anomaly) {
	_ = e.Anomalies.RecordAnomaly(context.WithoutCancel(ctx), a)
}

func (e *Engine) transitionAnomaly(ctx context.Context, te *ledger.TransitionError, source string, meta map[string]any) {
	e.anomaly(ctx, audit.Anomaly{
		Entity:   te.Entity,
		EntityID: te.ID,
		From:     te.From,
		To:       te.To,
		Reason:   te.Reason,
		Source:   source,
		Metadata: meta,
	})
}

// OrderInput opens an order. Amount is in minor units.
type OrderInput struct {
	Amount      int64
	Currency    string
	Receipt     string
	Customer    ledger.Customer
	Description string
	Notes       map[string]string
}

func (in OrderInput) processorNotes() map[string]string {
	notes := make(map[string]string, len(in.Notes)+4)
	for k, v := range in.Notes {
		notes[k] = v
	}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			notes[k] = v
		}
	}
	set("customer_name", in.Customer.Name)
	set("customer_email", in.Customer.Email)
	set("customer_phone", in.Customer.Phone)
	set("description", in.Description)
	if len(notes) == 0 {
		return nil
	}
	return notes
}

// CreateOrder opens the order with the processor and records it.
func (e *Engine) CreateOrder(ctx context.Context, in OrderInput) (order ledger.Order, err error) {
	ctx, span := e.startSpan(ctx, "create_order", attribute.Int64("amount", in.Amount), attribute.String("currency", in.Currency))
	defer func() { endSpan(span, err) }()

	if in.Amount <= 0 {
		return ledger.Order{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		return ledger.Order{}, fmt.Errorf("%w: currency is required", ledger.ErrInvalidInput)
	}
	notes := in.processorNotes()
	g, err := e.Gateway.CreateOrder(ctx, gateway.OrderRequest{Amount: in.Amount, Currency: currency, Receipt: in.Receipt, Notes: notes})
	if err != nil {
		return ledger.Order{}, gatewayError("create order", err)
	}
	span.SetAttributes(attribute.String("order_id", g.ID))

	order, err = e.Ledger.CreateOrder(ctx, ledger.Order{
		ID:       g.ID,
		Amount:   in.Amount,
		Currency: currency,
		Receipt:  in.Receipt,
		Customer: in.Customer,
		Notes:    notes,
	})
	if err != nil {
		return ledger.Order{}, err
	}
	e.Logger.Info().Str("order_id", order.ID).Int64("amount", order.Amount).Str("currency", order.Currency).Msg("order_created")
	e.emit(ctx, events.TopicOrderCreated, order.ID, map[string]any{
		"order_id": order.ID,
		"amount":   order.Amount,
		"currency": order.Currency,
		"receipt":  order.Receipt,
	})
	return order, nil
}
