package payment

import (
	"errors"
	"net/http"

	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/money"
	"github.com/noah-isme/backend-paygate/internal/reconcile"
)

// appError maps engine and ledger errors onto transport codes.
func appError(err error) *common.AppError {
	var app *common.AppError
	if errors.As(err, &app) {
		return app
	}
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, reconcile.ErrInvalidSignature):
		return common.NewAppError("INVALID_SIGNATURE", "invalid payment signature", http.StatusBadRequest, err)
	case errors.Is(err, reconcile.ErrInvalidWebhookSignature):
		return common.NewAppError("INVALID_WEBHOOK_SIGNATURE", "invalid webhook signature", http.StatusUnauthorized, err)
	case errors.Is(err, reconcile.ErrOrderMismatch):
		return common.NewAppError("ORDER_MISMATCH", "payment belongs to a different order", http.StatusConflict, err)
	case errors.Is(err, reconcile.ErrGatewayUnavailable):
		return common.NewAppError("GATEWAY_UNAVAILABLE", "payment processor unavailable, retry later", http.StatusServiceUnavailable, err)
	case errors.Is(err, ledger.ErrUnknownEntity):
		return common.NewAppError("NOT_FOUND", "not found", http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrDuplicate):
		return common.NewAppError("DUPLICATE", "already recorded", http.StatusConflict, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return common.NewAppError("REFUND_EXCEEDS_BALANCE", "refund exceeds refundable balance", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ledger.ErrNotRefundable):
		return common.NewAppError("NOT_REFUNDABLE", "payment is not refundable", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ledger.ErrIllegalTransition):
		return common.NewAppError("ILLEGAL_TRANSITION", "transition rejected", http.StatusConflict, err)
	case errors.Is(err, ledger.ErrInvalidInput):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, money.ErrNotPositive), errors.Is(err, money.ErrFractionalMinor), errors.Is(err, money.ErrOverflow):
		return common.NewAppError("INVALID_AMOUNT", err.Error(), http.StatusBadRequest, err)
	case errors.As(err, &apiErr):
		app := common.NewAppError("GATEWAY_REJECTED", apiErr.Description, http.StatusBadGateway, err)
		if apiErr.Code != "" {
			app.Details = map[string]string{"gateway_code": apiErr.Code}
		}
		return app
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}
