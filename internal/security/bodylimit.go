package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/backend-paygate/internal/common"
)

// BodyLimit rejects bodies larger than max bytes with 413. Accepted bodies
// are buffered whole, so the webhook handler verifies its signature over the
// exact bytes received. max <= 0 disables the check.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > max {
				tooLarge(w, max)
				return
			}
			buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
			_ = r.Body.Close()
			var tooBig *http.MaxBytesError
			switch {
			case errors.As(err, &tooBig):
				tooLarge(w, max)
				return
			case err != nil:
				common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable request body", nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(buf))
			r.ContentLength = int64(len(buf))
			next.ServeHTTP(w, r)
		})
	}
}

func tooLarge(w http.ResponseWriter, max int64) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large",
		map[string]int64{"max_bytes": max})
}
