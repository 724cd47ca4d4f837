package common

import "net/http"

// AppError carries the transport code and status for a failure. Err keeps the
// cause for logs and errors.Is; it is never rendered.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WriteAppError renders e with JSONError. A nil error or a missing status is
// answered as a 500.
func WriteAppError(w http.ResponseWriter, e *AppError) {
	if e == nil {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	status := e.HTTPStatus
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	JSONError(w, status, e.Code, e.Message, e.Details)
}
