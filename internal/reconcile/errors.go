package reconcile

import (
	"errors"
	"fmt"

	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
)

var (
	// ErrInvalidSignature rejects a client-reported payment whose signature
	// does not match. The ledger is untouched.
	ErrInvalidSignature = errors.New("reconcile: invalid payment signature")
	// ErrInvalidWebhookSignature rejects a webhook body before it is parsed.
	ErrInvalidWebhookSignature = errors.New("reconcile: invalid webhook signature")
	// ErrGatewayUnavailable is retryable by the caller.
	ErrGatewayUnavailable = errors.New("reconcile: gateway unavailable")
	// ErrOrderMismatch means the processor attributes the payment to a
	// different order than the caller claimed.
	ErrOrderMismatch = errors.New("reconcile: payment belongs to a different order")
)

// gatewayError folds processor failures into the engine taxonomy.
func gatewayError(op string, err error) error {
	switch {
	case gateway.Retryable(err):
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	case errors.Is(err, gateway.ErrNotFound):
		return fmt.Errorf("%w: %s: %v", ledger.ErrUnknownEntity, op, err)
	default:
		return fmt.Errorf("reconcile: %s: %w", op, err)
	}
}
