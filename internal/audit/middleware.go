package audit

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/obs"
)

// HTTPRecorder writes one audit entry per operator request once the handler
// has answered.
type HTTPRecorder struct {
	Service Service
	OnError func(error)
}

// HTTPConfig describes the entry produced for a route.
type HTTPConfig struct {
	// Action overrides the default "METHOD route" action.
	Action string
	// ResourceIDParam names the chi URL parameter holding the target id.
	ResourceIDParam string
	// MetadataFunc adds fields to the status, response_bytes and query
	// recorded for every request.
	MetadataFunc func(*http.Request, int) map[string]any
	// SkipRejected drops requests answered with 401 or 403.
	SkipRejected bool
}

// Middleware records after next returns. The entry is written even when the
// client has gone away.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !r.Service.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sw := obs.NewStatusRecorder(w)
			next.ServeHTTP(sw, req)

			status := sw.Status()
			if cfg.SkipRejected && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
				return
			}
			meta := map[string]any{"status": status, "response_bytes": sw.BytesWritten()}
			if q := req.URL.RawQuery; q != "" {
				meta["query"] = q
			}
			if cfg.MetadataFunc != nil {
				maps.Copy(meta, cfg.MetadataFunc(req, status))
			}
			var resourceID string
			if cfg.ResourceIDParam != "" {
				resourceID = chi.URLParam(req, cfg.ResourceIDParam)
			}
			raw, err := json.Marshal(meta)
			if err == nil {
				ctx := context.WithoutCancel(req.Context())
				err = r.Service.RecordRequest(ctx, actorFrom(req), cfg.Action, resourceID, req, status, raw)
			}
			if err != nil && r.OnError != nil {
				r.OnError(err)
			}
		})
	}
}

func actorFrom(req *http.Request) Actor {
	subject, ok := common.Operator(req.Context())
	if !ok {
		return Actor{Kind: ActorKindAnonymous}
	}
	return Actor{Kind: ActorKindOperator, Subject: subject}
}
