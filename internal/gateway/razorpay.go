package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-paygate/internal/obs"
	"github.com/noah-isme/backend-paygate/internal/resilience"
)

// DefaultBaseURL is the processor REST API root.
const DefaultBaseURL = "https://api.razorpay.com/v1"

// Razorpay talks to the processor REST API with basic auth.
type Razorpay struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	HTTP      resilience.HTTPClient
}

// NewRazorpay returns a client whose transport is traced with otelhttp.
func NewRazorpay(keyID, keySecret string, httpc resilience.HTTPClient) *Razorpay {
	if httpc.Client == nil {
		httpc.Client = &http.Client{}
	}
	base := httpc.Client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cl := *httpc.Client
	cl.Transport = otelhttp.NewTransport(base)
	httpc.Client = &cl
	return &Razorpay{KeyID: keyID, KeySecret: keySecret, BaseURL: DefaultBaseURL, HTTP: httpc}
}

type errorEnvelope struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder opens an order with automatic capture.
func (c *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if req.Amount <= 0 {
		return Order{}, &APIError{Status: http.StatusBadRequest, Code: "BAD_REQUEST_ERROR", Description: "amount must be positive"}
	}
	body := map[string]any{
		"amount":          req.Amount,
		"currency":        req.Currency,
		"payment_capture": 1,
	}
	if req.Receipt != "" {
		body["receipt"] = req.Receipt
	}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}
	var out OrderEntity
	if err := c.call(ctx, "create_order", http.MethodPost, "/orders", body, &out); err != nil {
		return Order{}, err
	}
	return out.Order(), nil
}

// FetchPayment returns the processor record for a payment.
func (c *Razorpay) FetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	var out PaymentEntity
	if err := c.call(ctx, "fetch_payment", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return Payment{}, err
	}
	return out.Payment()
}

// CreateRefund refunds all or part of a captured payment.
func (c *Razorpay) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	body := map[string]any{}
	if req.Amount != nil {
		body["amount"] = *req.Amount
	}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}
	if req.Speed != "" {
		body["speed"] = req.Speed
	}
	var out RefundEntity
	path := "/payments/" + url.PathEscape(req.PaymentID) + "/refund"
	if err := c.call(ctx, "create_refund", http.MethodPost, path, body, &out); err != nil {
		return Refund{}, err
	}
	if out.PaymentID == "" {
		out.PaymentID = req.PaymentID
	}
	return out.Refund()
}

// FetchRefund returns the processor record for a refund.
func (c *Razorpay) FetchRefund(ctx context.Context, refundID string) (Refund, error) {
	var out RefundEntity
	if err := c.call(ctx, "fetch_refund", http.MethodGet, "/refunds/"+url.PathEscape(refundID), nil, &out); err != nil {
		return Refund{}, err
	}
	return out.Refund()
}

func (c *Razorpay) call(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrUnavailable):
			result = "unavailable"
		case err != nil:
			result = "rejected"
		}
		obs.ObserveGateway(op, result, time.Since(start))
	}()

	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	var reader io.Reader
	if in != nil {
		payload, merr := json.Marshal(in)
		if merr != nil {
			return fmt.Errorf("gateway: encode %s: %w", op, merr)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build %s: %w", op, err)
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, ctxErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %w", ErrUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, op, path)
	case resp.StatusCode >= 400:
		var env errorEnvelope
		_ = json.Unmarshal(data, &env)
		desc := env.Error.Description
		if desc == "" {
			desc = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Description: desc}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", op, err)
	}
	return nil
}
