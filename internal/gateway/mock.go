package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/signature"
)

// Mock is an in-memory processor for local development and tests. Checkout
// stands in for the hosted payment page.
type Mock struct {
	// KeySecret signs checkout results the same way the real processor does.
	KeySecret string
	// Clock defaults to time.Now.
	Clock func() time.Time

	mu       sync.Mutex
	orders   map[string]Order
	payments map[string]Payment
	refunds  map[string]Refund
	failNext int
}

// NewMock returns an empty mock processor.
func NewMock(keySecret string) *Mock {
	return &Mock{
		KeySecret: keySecret,
		orders:    make(map[string]Order),
		payments:  make(map[string]Payment),
		refunds:   make(map[string]Refund),
	}
}

func (m *Mock) now() int64 {
	if m.Clock != nil {
		return m.Clock().Unix()
	}
	return time.Now().Unix()
}

func mockID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

// FailNext makes the next n calls fail with ErrUnavailable.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Mock) unavailableLocked(op string) error {
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("%w: %s: injected failure", ErrUnavailable, op)
	}
	return nil
}

// CreateOrder implements Client.
func (m *Mock) CreateOrder(_ context.Context, req OrderRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("create_order"); err != nil {
		return Order{}, err
	}
	if req.Amount <= 0 {
		return Order{}, &APIError{Status: 400, Code: "BAD_REQUEST_ERROR", Description: "amount must be positive"}
	}
	o := Order{
		ID:        mockID("order"),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Receipt:   req.Receipt,
		Status:    "created",
		Notes:     req.Notes,
		CreatedAt: m.now(),
	}
	m.orders[o.ID] = o
	return o, nil
}

// FetchPayment implements Client.
func (m *Mock) FetchPayment(_ context.Context, paymentID string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("fetch_payment"); err != nil {
		return Payment{}, err
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	return p, nil
}

// CreateRefund implements Client.
func (m *Mock) CreateRefund(_ context.Context, req RefundRequest) (Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("create_refund"); err != nil {
		return Refund{}, err
	}
	p, ok := m.payments[req.PaymentID]
	if !ok {
		return Refund{}, fmt.Errorf("%w: payment %s", ErrNotFound, req.PaymentID)
	}
	if p.Status != ledger.PaymentPaid {
		return Refund{}, &APIError{Status: 400, Code: "BAD_REQUEST_ERROR", Description: "payment is not captured"}
	}
	var refunded int64
	for _, r := range m.refunds {
		if r.PaymentID == p.ID && r.Status != ledger.RefundFailed {
			refunded += r.Amount
		}
	}
	amount := p.Amount - refunded
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 || refunded+amount > p.Amount {
		return Refund{}, &APIError{Status: 400, Code: "BAD_REQUEST_ERROR", Description: "refund amount exceeds captured amount"}
	}
	speed := req.Speed
	if speed == "" {
		speed = "normal"
	}
	r := Refund{
		ID:        mockID("rfnd"),
		PaymentID: p.ID,
		Amount:    amount,
		Currency:  p.Currency,
		Status:    ledger.RefundProcessed,
		RawStatus: "processed",
		Speed:     speed,
		Notes:     req.Notes,
		CreatedAt: m.now(),
	}
	m.refunds[r.ID] = r
	if refunded+amount == p.Amount {
		p.Status = ledger.PaymentRefunded
		p.RawStatus = "refunded"
		m.payments[p.ID] = p
	}
	return r, nil
}

// FetchRefund implements Client.
func (m *Mock) FetchRefund(_ context.Context, refundID string) (Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailableLocked("fetch_refund"); err != nil {
		return Refund{}, err
	}
	r, ok := m.refunds[refundID]
	if !ok {
		return Refund{}, fmt.Errorf("%w: refund %s", ErrNotFound, refundID)
	}
	return r, nil
}

// CheckoutResult is what the hosted checkout hands back to the client.
type CheckoutResult struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// Checkout simulates a customer paying for an order. The payment is captured
// unless method is "fail", which records a failed payment instead.
func (m *Mock) Checkout(orderID, method string) (CheckoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return CheckoutResult{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if method == "" {
		method = "card"
	}
	p := Payment{
		ID:        mockID("pay"),
		OrderID:   o.ID,
		Amount:    o.Amount,
		Currency:  o.Currency,
		Status:    ledger.PaymentPaid,
		RawStatus: "captured",
		Method:    method,
		CreatedAt: m.now(),
	}
	o.Status = "paid"
	if method == "fail" {
		p.Status, p.RawStatus, p.Method = ledger.PaymentFailed, "failed", "card"
		p.ErrorCode, p.ErrorReason = "BAD_REQUEST_ERROR", "Payment failed"
		o.Status = "attempted"
	}
	m.payments[p.ID] = p
	m.orders[o.ID] = o
	return CheckoutResult{
		OrderID:   o.ID,
		PaymentID: p.ID,
		Signature: signature.Sign(signature.PaymentMessage(o.ID, p.ID), m.KeySecret),
	}, nil
}

// SetPaymentStatus overrides a payment status, e.g. to simulate a processor
// record that disagrees with earlier signals.
func (m *Mock) SetPaymentStatus(paymentID string, status ledger.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	p.Status = status
	m.payments[paymentID] = p
	return nil
}
