package gateway

import (
	"encoding/json"
	"fmt"
)

// OrderEntity is the processor JSON representation of an order.
type OrderEntity struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Receipt   string          `json:"receipt"`
	Status    string          `json:"status"`
	Notes     json.RawMessage `json:"notes"`
	CreatedAt int64           `json:"created_at"`
}

// PaymentEntity is the processor JSON representation of a payment. Webhook
// payloads embed the same shape.
type PaymentEntity struct {
	ID               string          `json:"id"`
	Entity           string          `json:"entity"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	OrderID          string          `json:"order_id"`
	Method           string          `json:"method"`
	Captured         bool            `json:"captured"`
	Email            string          `json:"email"`
	Contact          string          `json:"contact"`
	ErrorCode        string          `json:"error_code"`
	ErrorDescription string          `json:"error_description"`
	Notes            json.RawMessage `json:"notes"`
	CreatedAt        int64           `json:"created_at"`
}

// RefundEntity is the processor JSON representation of a refund.
type RefundEntity struct {
	ID             string          `json:"id"`
	Entity         string          `json:"entity"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentID      string          `json:"payment_id"`
	Status         string          `json:"status"`
	Speed          string          `json:"speed"`
	SpeedRequested string          `json:"speed_requested"`
	SpeedProcessed string          `json:"speed_processed"`
	Notes          json.RawMessage `json:"notes"`
	CreatedAt      int64           `json:"created_at"`
}

// Order converts the wire form.
func (e OrderEntity) Order() Order {
	return Order{
		ID:        e.ID,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Receipt:   e.Receipt,
		Status:    e.Status,
		Notes:     DecodeNotes(e.Notes),
		CreatedAt: e.CreatedAt,
	}
}

// Payment converts the wire form, normalising the status.
func (e PaymentEntity) Payment() (Payment, error) {
	status, ok := NormalisePaymentStatus(e.Status)
	if !ok {
		return Payment{}, fmt.Errorf("gateway: unrecognised payment status %q for %s", e.Status, e.ID)
	}
	return Payment{
		ID:          e.ID,
		OrderID:     e.OrderID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Status:      status,
		RawStatus:   e.Status,
		Method:      e.Method,
		Email:       e.Email,
		Contact:     e.Contact,
		ErrorCode:   e.ErrorCode,
		ErrorReason: e.ErrorDescription,
		CreatedAt:   e.CreatedAt,
	}, nil
}

// Refund converts the wire form, normalising the status and speed.
func (e RefundEntity) Refund() (Refund, error) {
	status, ok := NormaliseRefundStatus(e.Status)
	if !ok {
		return Refund{}, fmt.Errorf("gateway: unrecognised refund status %q for %s", e.Status, e.ID)
	}
	speed := e.SpeedProcessed
	if speed == "" {
		speed = e.SpeedRequested
	}
	if speed == "" {
		speed = e.Speed
	}
	if speed == "" {
		speed = "normal"
	}
	return Refund{
		ID:        e.ID,
		PaymentID: e.PaymentID,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Status:    status,
		RawStatus: e.Status,
		Speed:     speed,
		Notes:     DecodeNotes(e.Notes),
		CreatedAt: e.CreatedAt,
	}, nil
}
