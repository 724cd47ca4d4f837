// Package security holds the response hardening and request size guards
// applied to every route.
package security

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/cors"
)

// apiHeaders suits a JSON API that is never framed or rendered.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// HeaderPolicy sets hardening headers. HSTS is only sent on HTTPS, judged by
// the TLS state or X-Forwarded-Proto from the load balancer.
type HeaderPolicy struct {
	// HSTS is the Strict-Transport-Security max-age; zero disables it.
	HSTS              time.Duration
	IncludeSubdomains bool
}

// Middleware applies the policy.
func (p HeaderPolicy) Middleware(next http.Handler) http.Handler {
	var hsts string
	if p.HSTS > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(p.HSTS/time.Second), 10)
		if p.IncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if hsts != "" && isHTTPS(r) {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// CORS admits the checkout frontends in origins. No origins, or "*", opens
// the API to any origin without credentials.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	credentials := len(allowed) > 0 && !slices.Contains(allowed, "*")
	if !credentials {
		allowed = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID",
			"X-Razorpay-Signature", "X-Razorpay-Event-Id",
		},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: credentials,
		MaxAge:           int((5 * time.Minute).Seconds()),
	})
}
