package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error object every endpoint answers with.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorEnvelope also carries the message as "detail", the field checkout
// clients of the Razorpay facade already read.
type errorEnvelope struct {
	Error  ErrorBody `json:"error"`
	Detail string    `json:"detail"`
}

var encodeFailure = []byte(`{"error":{"code":"INTERNAL","message":"response encoding failed"},"detail":"response encoding failed"}` + "\n")

// JSON writes v with the given status. v is encoded before any header is
// sent, so an unencodable value yields a clean 500.
func JSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailure)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// JSONError renders the canonical error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{
		Error:  ErrorBody{Code: code, Message: message, Details: details},
		Detail: message,
	})
}
