package reconcile_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/events"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/lock"
	"github.com/noah-isme/backend-paygate/internal/reconcile"
	"github.com/noah-isme/backend-paygate/internal/signature"
)

const (
	keySecret     = "rzp_key_secret"
	webhookSecret = "whsec_test"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, ev.Topic)
	return nil
}

func (r *topicRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

// countingGateway counts refund calls that reach the processor.
type countingGateway struct {
	*gateway.Mock
	refundCalls atomic.Int32
}

func (c *countingGateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (gateway.Refund, error) {
	c.refundCalls.Add(1)
	return c.Mock.CreateRefund(ctx, req)
}

type fixture struct {
	engine *reconcile.Engine
	gw     *countingGateway
	ledger *ledger.Ledger
	audit  *audit.MemoryStore
	topics *topicRecorder
	logs   *syncBuffer
	ctx    context.Context
	t      *testing.T
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	store := audit.NewMemoryStore()
	topics := &topicRecorder{}
	gw := &countingGateway{Mock: gateway.NewMock(keySecret)}
	led := ledger.New(nil, logger)
	eng := &reconcile.Engine{
		Ledger:    led,
		Gateway:   gw,
		Verifier:  signature.Verifier{KeySecret: keySecret, WebhookSecret: webhookSecret},
		Anomalies: audit.Service{Store: store, Logger: logger},
		Events:    &events.Bus{Notifiers: []events.Notifier{topics}},
		Locker:    lock.NewLocal(),
		Logger:    logger,
	}
	return &fixture{engine: eng, gw: gw, ledger: led, audit: store, topics: topics, logs: logs, ctx: context.Background(), t: t}
}

func (f *fixture) order(amount int64) ledger.Order {
	f.t.Helper()
	o, err := f.engine.CreateOrder(f.ctx, reconcile.OrderInput{
		Amount:   amount,
		Currency: "INR",
		Customer: ledger.Customer{Name: "Asha", Email: "asha@example.com"},
	})
	require.NoError(f.t, err)
	return o
}

// paid creates an order, pays it at the processor and verifies it.
func (f *fixture) paid(amount int64) (ledger.Order, ledger.Payment) {
	f.t.Helper()
	o := f.order(amount)
	res, err := f.gw.Checkout(o.ID, "upi")
	require.NoError(f.t, err)
	out, err := f.engine.VerifyPayment(f.ctx, reconcile.VerifyInput{OrderID: res.OrderID, PaymentID: res.PaymentID, Signature: res.Signature})
	require.NoError(f.t, err)
	require.Equal(f.t, ledger.PaymentPaid, out.Payment.Status)
	return out.Order, out.Payment
}

func (f *fixture) anomalies() []audit.Entry {
	f.t.Helper()
	entries, err := f.audit.ListAuditEntries(f.ctx, audit.ListParams{Kind: audit.KindAnomaly})
	require.NoError(f.t, err)
	return entries
}

func paymentWebhook(t *testing.T, event, paymentID, orderID, status string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"entity": "event",
		"event":  event,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       paymentID,
					"entity":   "payment",
					"amount":   amount,
					"currency": "INR",
					"status":   status,
					"order_id": orderID,
					"method":   "netbanking",
					"notes":    []any{},
				},
			},
		},
		"created_at": 1700000000,
	})
	require.NoError(t, err)
	return body
}

func refundWebhook(t *testing.T, event, refundID, paymentID, status string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"entity": "event",
		"event":  event,
		"payload": map[string]any{
			"refund": map[string]any{
				"entity": map[string]any{
					"id":              refundID,
					"entity":          "refund",
					"amount":          amount,
					"currency":        "INR",
					"payment_id":      paymentID,
					"status":          status,
					"speed_requested": "optimum",
					"created_at":      1700000100,
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func signed(body []byte) string {
	return signature.Sign(body, webhookSecret)
}
