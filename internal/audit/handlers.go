package audit

import (
	"net/http"
	"strings"

	"github.com/noah-isme/backend-paygate/internal/common"
)

// Handler exposes the audit trail to operators.
type Handler struct {
	Service Service
}

// List returns a page of entries, optionally filtered by ?kind=anomaly|admin.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Service.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	limit := common.QueryInt(r, "limit", 50, 1, 200)
	offset := common.QueryInt(r, "offset", 0, 0, 0)
	kind := Kind(strings.ToLower(strings.TrimSpace(q.Get("kind"))))
	if kind != "" && kind != KindAnomaly && kind != KindAdmin {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind must be anomaly or admin", nil)
		return
	}

	entries, err := h.Service.List(r.Context(), ListParams{Kind: kind, Limit: limit, Offset: offset})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit entries", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"items": entries, "limit": limit, "offset": offset})
}
