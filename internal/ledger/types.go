package ledger

import (
	"context"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderAttempted OrderStatus = "attempted"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentAttempted PaymentStatus = "attempted"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentCreated, PaymentAttempted, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentFailed || s == PaymentRefunded
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundCreated   RefundStatus = "created"
	RefundProcessed RefundStatus = "processed"
	RefundFailed    RefundStatus = "failed"
)

// Valid reports whether s is a known refund status.
func (s RefundStatus) Valid() bool {
	switch s {
	case RefundCreated, RefundProcessed, RefundFailed:
		return true
	}
	return false
}

// Outcome describes what a mutation did to the ledger.
type Outcome string

const (
	// OutcomeApplied means the entity was created or moved to a new status.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means the entity already carried the requested status.
	OutcomeUnchanged Outcome = "unchanged"
)

// Customer holds optional contact details captured with an order.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Order is a merchant intent to collect Amount minor units.
type Order struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Receipt   string            `json:"receipt,omitempty"`
	Status    OrderStatus       `json:"status"`
	Customer  Customer          `json:"customer"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Payment is a processor-recorded attempt against an order.
type Payment struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"order_id"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	Method    string        `json:"method,omitempty"`
	Signature string        `json:"signature,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Refund reverses part or all of a payment.
type Refund struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    RefundStatus      `json:"status"`
	Speed     string            `json:"speed,omitempty"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PaymentUpdate carries a verified payment signal into the ledger.
type PaymentUpdate struct {
	PaymentID string
	OrderID   string
	Status    PaymentStatus
	// Amount defaults to the order amount when a new payment is recorded.
	Amount    int64
	Currency  string
	Method    string
	Signature string
	// Source names the trigger (verify, webhook, ...) for anomaly logs.
	Source string
}

// RefundUpdate carries a verified refund signal into the ledger.
type RefundUpdate struct {
	RefundID  string
	PaymentID string
	Amount    int64
	Status    RefundStatus
	Speed     string
	Notes     map[string]string
	CreatedAt time.Time
	Source    string
}

// ListFilter narrows ListPayments.
type ListFilter struct {
	Status PaymentStatus
	Limit  int
	Offset int
}

// Snapshot is the full ledger content, used to rebuild state at boot.
type Snapshot struct {
	Orders   []Order
	Payments []Payment
	Refunds  []Refund
}

// Change is the set of entities a single mutation writes. Nil members are
// untouched.
type Change struct {
	Order   *Order
	Payment *Payment
	Refund  *Refund
}

// Journal persists ledger mutations. Commit runs before the in-memory state
// changes; an error aborts the mutation.
type Journal interface {
	Commit(ctx context.Context, change Change) error
}

func cloneNotes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (o Order) clone() Order {
	o.Notes = cloneNotes(o.Notes)
	return o
}

func (r Refund) clone() Refund {
	r.Notes = cloneNotes(r.Notes)
	return r
}
