// Package gateway relays calls to the payment processor. It never holds ledger
// state; it only translates processor records into ledger vocabulary.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/backend-paygate/internal/ledger"
)

var (
	// ErrUnavailable marks failures worth retrying: network errors, 5xx
	// responses and an open circuit breaker.
	ErrUnavailable = errors.New("gateway: processor unavailable")
	// ErrNotFound is returned when the processor has no such entity.
	ErrNotFound = errors.New("gateway: not found")
)

// APIError is a non-retryable rejection reported by the processor.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway: processor rejected request (%d): %s", e.Status, e.Description)
	}
	return fmt.Sprintf("gateway: %s (%d): %s", e.Code, e.Status, e.Description)
}

// OrderRequest opens an order with the processor.
type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// RefundRequest asks the processor to refund a payment. A nil Amount refunds
// the whole remaining balance.
type RefundRequest struct {
	PaymentID string
	Amount    *int64
	Notes     map[string]string
	Speed     string
}

// Order is the processor view of an order.
type Order struct {
	ID        string
	Amount    int64
	Currency  string
	Receipt   string
	Status    string
	Notes     map[string]string
	CreatedAt int64
}

// Payment is the processor view of a payment, with its status normalised.
type Payment struct {
	ID          string
	OrderID     string
	Amount      int64
	Currency    string
	Status      ledger.PaymentStatus
	RawStatus   string
	Method      string
	Email       string
	Contact     string
	ErrorCode   string
	ErrorReason string
	CreatedAt   int64
}

// Refund is the processor view of a refund, with its status normalised.
type Refund struct {
	ID        string
	PaymentID string
	Amount    int64
	Currency  string
	Status    ledger.RefundStatus
	RawStatus string
	Speed     string
	Notes     map[string]string
	CreatedAt int64
}

// Client is the contract the reconciliation engine consumes.
type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	FetchPayment(ctx context.Context, paymentID string) (Payment, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	FetchRefund(ctx context.Context, refundID string) (Refund, error)
}

// NormalisePaymentStatus maps a processor payment status onto the ledger.
func NormalisePaymentStatus(raw string) (ledger.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return ledger.PaymentCreated, true
	case "authorized":
		return ledger.PaymentAttempted, true
	case "captured":
		return ledger.PaymentPaid, true
	case "failed":
		return ledger.PaymentFailed, true
	case "refunded":
		return ledger.PaymentRefunded, true
	}
	return "", false
}

// NormaliseRefundStatus maps a processor refund status onto the ledger.
func NormaliseRefundStatus(raw string) (ledger.RefundStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "created":
		return ledger.RefundCreated, true
	case "processed":
		return ledger.RefundProcessed, true
	case "failed":
		return ledger.RefundFailed, true
	}
	return "", false
}

// DecodeNotes reads the processor notes field, which arrives either as an
// object or as an empty array.
func DecodeNotes(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || len(generic) == 0 {
		return nil
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// Retryable reports whether err is worth retrying later.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
