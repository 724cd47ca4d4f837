package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-paygate/internal/common"
)

// Middleware wires operator identity into HTTP handlers.
type Middleware struct {
	Tokens *Tokens
}

// RequireOperator rejects requests without a valid bearer token and stores
// the token subject as the acting operator.
func (m Middleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Tokens == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "operator authentication not configured", nil)
			return
		}
		token := bearer(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		subject, err := m.Tokens.Parse(token)
		if err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), subject)))
	})
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
