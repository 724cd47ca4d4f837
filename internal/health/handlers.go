// Package health serves the banner, liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/backend-paygate/internal/common"
)

const (
	ServiceName = "Razorpay Payment Gateway API"
	Version     = "1.0.0"
)

const defaultProbeTimeout = 500 * time.Millisecond

var draining atomic.Bool

// SetReady toggles readiness. Shutdown clears it so the load balancer stops
// routing before the listener closes.
func SetReady(v bool) { draining.Store(!v) }

func IsReady() bool { return !draining.Load() }

// Probe checks one dependency. A Disabled probe, or one without Check,
// reports "disabled" and never fails readiness.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Check    func(ctx context.Context) error
	Disabled bool
}

// Handler serves the health endpoints.
type Handler struct {
	Probes []Probe
	// Gateway names the processor mode reported by Health.
	Gateway string
}

// Root reports the service banner.
func (h Handler) Root(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{
		"message": ServiceName,
		"status":  "active",
		"version": Version,
	})
}

// Health is the cheap check used by uptime monitors; it touches no dependency.
func (h Handler) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "healthy"}
	if h.Gateway != "" {
		body["gateway"] = h.Gateway
	}
	common.JSON(w, http.StatusOK, body)
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 if any enabled probe
// fails or the process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !IsReady() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "shutting_down"})
		return
	}
	checks := runProbes(r.Context(), h.Probes)
	status, code := "ready", http.StatusOK
	for _, result := range checks {
		if result != "ok" && result != "disabled" {
			status, code = "unavailable", http.StatusServiceUnavailable
			break
		}
	}
	common.JSON(w, code, map[string]any{"status": status, "checks": checks})
}

func runProbes(ctx context.Context, probes []Probe) map[string]string {
	results := make(map[string]string, len(probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range probes {
		if p.Disabled || p.Check == nil {
			results[p.Name] = "disabled"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			outcome := "ok"
			if err := p.Check(pctx); err != nil {
				outcome = err.Error()
			}
			mu.Lock()
			results[p.Name] = outcome
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
