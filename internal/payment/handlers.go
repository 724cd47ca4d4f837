// Package payment exposes the reconciliation engine over HTTP.
package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/money"
	"github.com/noah-isme/backend-paygate/internal/reconcile"
)

// Handler serves the payment endpoints.
type Handler struct {
	Engine   *reconcile.Engine
	Ledger   *ledger.Ledger
	Validate *validator.Validate
	// KeyID is handed to clients so they can open the hosted checkout.
	KeyID string
	// Mock is set in mock gateway mode and enables MockCheckout.
	Mock     *gateway.Mock
	PageSize int
	Logger   zerolog.Logger
}

type createOrderReq struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" validate:"omitempty,iso4217"`
	Receipt       string            `json:"receipt" validate:"omitempty,max=40"`
	CustomerName  string            `json:"customer_name" validate:"omitempty,max=120"`
	CustomerEmail string            `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone string            `json:"customer_phone" validate:"omitempty,min=8,max=20"`
	Description   string            `json:"description" validate:"omitempty,max=255"`
	Notes         map[string]string `json:"notes" validate:"omitempty,max=15"`
}

type verifyReq struct {
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required"`

	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

type refundReq struct {
	PaymentID string            `json:"payment_id" validate:"required"`
	Amount    *decimal.Decimal  `json:"amount"`
	Notes     map[string]string `json:"notes" validate:"omitempty,max=15"`
	Speed     string            `json:"speed" validate:"omitempty,oneof=normal optimum"`
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Engine == nil || h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return false
	}
	return true
}

var defaultValidator = sync.OnceValue(NewValidator)

func (h *Handler) validate(v any) error {
	if h.Validate != nil {
		return h.Validate.Struct(v)
	}
	return defaultValidator().Struct(v)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	app := appError(err)
	if app.HTTPStatus >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("component", "payment").Str("path", r.URL.Path).Msg("payment_request_failed")
	}
	common.WriteAppError(w, app)
}

func (h *Handler) invalid(w http.ResponseWriter, err error) {
	common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", validationDetails(err))
}

// CreateOrder opens an order with the processor and records it.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if req.Currency == "" {
		req.Currency = "INR"
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := h.validate(req); err != nil {
		h.invalid(w, err)
		return
	}
	minor, err := money.ToMinor(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.Engine.CreateOrder(r.Context(), reconcile.OrderInput{
		Amount:   minor,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Customer: ledger.Customer{
			Name:  req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Description: req.Description,
		Notes:       req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, orderCreateResp{
		OrderID:       order.ID,
		Amount:        major(order.Amount),
		AmountMinor:   order.Amount,
		Currency:      order.Currency,
		Receipt:       order.Receipt,
		Status:        string(order.Status),
		KeyID:         h.KeyID,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
	})
}

// VerifyPayment checks the checkout signature and applies the status the
// processor reports. Parameters come from a JSON body or the query string.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	var req verifyReq
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
			return
		}
	}
	q := r.URL.Query()
	req.OrderID = firstNonEmpty(req.OrderID, req.RazorpayOrderID, q.Get("order_id"), q.Get("razorpay_order_id"))
	req.PaymentID = firstNonEmpty(req.PaymentID, req.RazorpayPaymentID, q.Get("payment_id"), q.Get("razorpay_payment_id"))
	req.Signature = firstNonEmpty(req.Signature, req.RazorpaySignature, q.Get("signature"), q.Get("razorpay_signature"))
	if err := h.validate(req); err != nil {
		h.invalid(w, err)
		return
	}

	res, err := h.Engine.VerifyPayment(r.Context(), reconcile.VerifyInput{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := verifyResp{
		Status:         "success",
		Outcome:        res.Outcome,
		OrderID:        req.OrderID,
		PaymentID:      req.PaymentID,
		OrderStatus:    string(res.Order.Status),
		Payment:        newPaymentView(res.Payment),
		PaymentDetails: newProcessorView(res.Processor),
	}
	if res.Anomaly != nil {
		resp.Status = "accepted_with_anomaly"
		resp.Anomaly = &anomalyView{
			Entity: res.Anomaly.Entity,
			From:   res.Anomaly.From,
			To:     res.Anomaly.To,
			Reason: res.Anomaly.Reason,
		}
	}
	common.JSON(w, http.StatusOK, resp)
}

// Webhook authenticates a processor notification over the raw body and queues
// it. The response does not wait for the ledger update.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	sig := strings.TrimSpace(r.Header.Get("X-Razorpay-Signature"))
	if sig == "" {
		common.JSONError(w, http.StatusBadRequest, "MISSING_SIGNATURE", "missing signature", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	eventID := r.Header.Get("X-Razorpay-Event-Id")
	if err := h.Engine.AcceptWebhook(r.Context(), body, sig, eventID); err != nil {
		if !errors.Is(err, reconcile.ErrInvalidWebhookSignature) && !errors.Is(err, reconcile.ErrGatewayUnavailable) {
			err = common.NewAppError("WEBHOOK_NOT_ACCEPTED", "webhook could not be queued, retry later", http.StatusServiceUnavailable, err)
		}
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": "Webhook processed successfully"})
}

// Refund refunds a payment, fully when no amount is given.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req refundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	if err := h.validate(req); err != nil {
		h.invalid(w, err)
		return
	}
	var minor int64
	if req.Amount != nil {
		var err error
		if minor, err = money.ToMinor(*req.Amount); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	refund, err := h.Engine.RequestRefund(r.Context(), reconcile.RefundInput{
		PaymentID: req.PaymentID,
		Amount:    minor,
		Notes:     req.Notes,
		Speed:     req.Speed,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, newRefundView(refund))
}

// GetPayment returns a payment with its refunds.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "payment_id"))
	p, err := h.Ledger.Payment(id)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownEntity) {
			common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "Payment not found", nil)
			return
		}
		h.fail(w, r, err)
		return
	}
	view := newPaymentView(p)
	refunds, _ := h.Ledger.RefundsForPayment(p.ID)
	view.Refunds = make([]refundView, 0, len(refunds))
	for _, rf := range refunds {
		view.Refunds = append(view.Refunds, newRefundView(rf))
	}
	if balance, err := h.Ledger.RefundableBalance(p.ID); err == nil {
		n := major(balance)
		view.Refundable = &n
	}
	common.JSON(w, http.StatusOK, view)
}

// ListPayments lists payments newest first, optionally filtered by status.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	status := ledger.PaymentStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status", map[string]string{"status": string(status)})
		return
	}
	defaultPerPage := h.PageSize
	if defaultPerPage <= 0 {
		defaultPerPage = 20
	}
	page, perPage := common.ParsePagination(r, defaultPerPage, 100)
	payments, total := h.Ledger.ListPayments(ledger.ListFilter{
		Status: status,
		Limit:  perPage,
		Offset: common.Offset(page, perPage),
	})
	items := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		items = append(items, newPaymentView(p))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": common.NewPagination(page, perPage, total),
	})
}

// GetOrder returns an order with its payments.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "order_id"))
	o, err := h.Ledger.Order(id)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownEntity) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.fail(w, r, err)
		return
	}
	payments, _ := h.Ledger.PaymentsForOrder(o.ID)
	common.JSON(w, http.StatusOK, newOrderView(o, payments))
}

// MockCheckout plays the customer's side of the hosted checkout against the
// mock gateway and returns what the checkout would hand to the client.
func (h *Handler) MockCheckout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Mock == nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "mock gateway disabled", nil)
		return
	}
	var req struct {
		Method string `json:"method"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
			return
		}
	}
	res, err := h.Mock.Checkout(chi.URLParam(r, "order_id"), strings.TrimSpace(req.Method))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, res)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
