package payment

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/money"
)

// major renders minor units as a JSON number in major units, e.g. 499.50.
func major(minor int64) json.Number {
	return json.Number(money.ToMajor(minor).StringFixed(2))
}

type orderCreateResp struct {
	OrderID       string      `json:"order_id"`
	Amount        json.Number `json:"amount"`
	AmountMinor   int64       `json:"amount_minor"`
	Currency      string      `json:"currency"`
	Receipt       string      `json:"receipt,omitempty"`
	Status        string      `json:"status"`
	KeyID         string      `json:"key_id"`
	CustomerName  string      `json:"customer_name,omitempty"`
	CustomerEmail string      `json:"customer_email,omitempty"`
}

type orderView struct {
	ID          string            `json:"id"`
	Amount      json.Number       `json:"amount"`
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt,omitempty"`
	Status      string            `json:"status"`
	Customer    ledger.Customer   `json:"customer"`
	Notes       map[string]string `json:"notes,omitempty"`
	Payments    []paymentView     `json:"payments"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func newOrderView(o ledger.Order, payments []ledger.Payment) orderView {
	v := orderView{
		ID:          o.ID,
		Amount:      major(o.Amount),
		AmountMinor: o.Amount,
		Currency:    o.Currency,
		Receipt:     o.Receipt,
		Status:      string(o.Status),
		Customer:    o.Customer,
		Notes:       o.Notes,
		Payments:    make([]paymentView, 0, len(payments)),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	for _, p := range payments {
		v.Payments = append(v.Payments, newPaymentView(p))
	}
	return v
}

type paymentView struct {
	ID          string       `json:"id"`
	OrderID     string       `json:"order_id"`
	Amount      json.Number  `json:"amount"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	Status      string       `json:"status"`
	Method      string       `json:"method,omitempty"`
	Refundable  *json.Number `json:"refundable,omitempty"`
	Refunds     []refundView `json:"refunds,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func newPaymentView(p ledger.Payment) paymentView {
	return paymentView{
		ID:          p.ID,
		OrderID:     p.OrderID,
		Amount:      major(p.Amount),
		AmountMinor: p.Amount,
		Currency:    p.Currency,
		Status:      string(p.Status),
		Method:      p.Method,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type refundView struct {
	RefundID    string      `json:"refund_id"`
	PaymentID   string      `json:"payment_id"`
	Amount      json.Number `json:"amount"`
	AmountMinor int64       `json:"amount_minor"`
	Currency    string      `json:"currency"`
	Status      string      `json:"status"`
	Speed       string      `json:"speed"`
	CreatedAt   int64       `json:"created_at"`
}

func newRefundView(r ledger.Refund) refundView {
	speed := r.Speed
	if speed == "" {
		speed = "normal"
	}
	return refundView{
		RefundID:    r.ID,
		PaymentID:   r.PaymentID,
		Amount:      major(r.Amount),
		AmountMinor: r.Amount,
		Currency:    r.Currency,
		Status:      string(r.Status),
		Speed:       speed,
		CreatedAt:   r.CreatedAt.Unix(),
	}
}

type processorView struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	Amount      json.Number `json:"amount"`
	AmountMinor int64       `json:"amount_minor"`
	Currency    string      `json:"currency"`
	Status      string      `json:"status"`
	Method      string      `json:"method,omitempty"`
	Email       string      `json:"email,omitempty"`
	Contact     string      `json:"contact,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	ErrorReason string      `json:"error_reason,omitempty"`
	CreatedAt   int64       `json:"created_at,omitempty"`
}

func newProcessorView(p gateway.Payment) processorView {
	return processorView{
		ID:          p.ID,
		OrderID:     p.OrderID,
		Amount:      major(p.Amount),
		AmountMinor: p.Amount,
		Currency:    p.Currency,
		Status:      p.RawStatus,
		Method:      p.Method,
		Email:       p.Email,
		Contact:     p.Contact,
		ErrorCode:   p.ErrorCode,
		ErrorReason: p.ErrorReason,
		CreatedAt:   p.CreatedAt,
	}
}

type anomalyView struct {
	Entity string `json:"entity"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type verifyResp struct {
	Status         string        `json:"status"`
	Outcome        string        `json:"outcome"`
	OrderID        string        `json:"order_id"`
	PaymentID      string        `json:"payment_id"`
	OrderStatus    string        `json:"order_status"`
	Payment        paymentView   `json:"payment"`
	PaymentDetails processorView `json:"payment_details"`
	Anomaly        *anomalyView  `json:"anomaly,omitempty"`
}
