package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandlerList(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_ = store.InsertAuditEntry(context.Background(), Entry{Kind: KindAnomaly, EntityID: "pay_1", CreatedAt: now})
	_ = store.InsertAuditEntry(context.Background(), Entry{Kind: KindAdmin, Action: "POST /admin/queue/dlq/replay", CreatedAt: now.Add(time.Second)})

	h := Handler{Service: Service{Store: store}}
	req := httptest.NewRequest(http.MethodGet, "/admin/audit?kind=anomaly&limit=25", nil)
	rr := httptest.NewRecorder()
	h.List(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Items []Entry `json:"items"`
		Limit int     `json:"limit"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].EntityID != "pay_1" || payload.Limit != 25 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandlerListRejectsUnknownKind(t *testing.T) {
	h := Handler{Service: Service{Store: NewMemoryStore()}}
	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/admin/audit?kind=other", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
