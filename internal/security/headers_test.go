package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noContent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestHeaderPolicy(t *testing.T) {
	policy := HeaderPolicy{HSTS: 365 * 24 * time.Hour, IncludeSubdomains: true}.Middleware(noContent())
	const hsts = "max-age=31536000; includeSubDomains"

	cases := []struct {
		name     string
		tls      bool
		proto    string
		wantHSTS string
	}{
		{name: "direct tls", tls: true, wantHSTS: hsts},
		{name: "behind https proxy", proto: "https", wantHSTS: hsts},
		{name: "proxy chain", proto: "HTTPS, http", wantHSTS: hsts},
		{name: "plain http", proto: "http"},
		{name: "no hints"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/payments/pay_1", nil)
			if tc.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rr := httptest.NewRecorder()
			policy.ServeHTTP(rr, req)

			require.Equal(t, http.StatusNoContent, rr.Code)
			require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
			require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
			require.Contains(t, rr.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
			require.Equal(t, tc.wantHSTS, rr.Header().Get("Strict-Transport-Security"))
		})
	}
}

func TestHeaderPolicyWithoutHSTS(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	HeaderPolicy{}.Middleware(noContent()).ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Strict-Transport-Security"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func preflight(h http.Handler, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/payments/create-order", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCORSAllowlistCarriesCredentials(t *testing.T) {
	h := CORS([]string{" https://checkout.example.com ", ""})(noContent())

	rr := preflight(h, "https://checkout.example.com")
	require.Equal(t, "https://checkout.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	rr = preflight(h, "https://evil.example")
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSOpenPolicy(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"https://a.example", "*"}} {
		rr := preflight(CORS(origins)(noContent()), "https://anywhere.example")
		require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"), "%v", origins)
		require.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	}
}
