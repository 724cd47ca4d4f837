// Package audit keeps a durable trail of ledger anomalies and operator
// actions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/obs"
)

// Kind classifies an entry.
type Kind string

const (
	// KindAnomaly is an authentic signal the ledger refused to apply.
	KindAnomaly Kind = "anomaly"
	// KindAdmin is an operator request against the admin surface.
	KindAdmin Kind = "admin"
)

// ActorKind represents the source of an audited action.
type ActorKind string

const (
	ActorKindOperator  ActorKind = "operator"
	ActorKindSystem    ActorKind = "system"
	ActorKindAnonymous ActorKind = "anonymous"
)

// Actor describes the entity performing the action.
type Actor struct {
	Kind    ActorKind
	Subject string
}

// Entry is one audit record.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	ActorKind  ActorKind       `json:"actor_kind"`
	Actor      string          `json:"actor,omitempty"`
	Action     string          `json:"action"`
	Entity     string          `json:"entity,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Source     string          `json:"source,omitempty"`
	Method     string          `json:"method,omitempty"`
	Route      string          `json:"route,omitempty"`
	Status     int             `json:"status,omitempty"`
	IP         string          `json:"ip,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListParams narrows List.
type ListParams struct {
	Kind   Kind
	Limit  int
	Offset int
}

// Store persists entries.
type Store interface {
	InsertAuditEntry(ctx context.Context, e Entry) error
	ListAuditEntries(ctx context.Context, p ListParams) ([]Entry, error)
}

// Anomaly describes a rejected ledger mutation.
type Anomaly struct {
	Entity   string
	EntityID string
	From     string
	To       string
	Reason   string
	Source   string
	Metadata map[string]any
}

// Service records audit entries. Anomalies are always kept; operator
// requests honour Enabled and SamplingRate.
type Service struct {
	Store        Store
	Enabled      bool
	SamplingRate float64
	Logger       zerolog.Logger
	Clock        func() time.Time
}

func (s Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

// RecordAnomaly stores a ledger anomaly and counts it.
func (s Service) RecordAnomaly(ctx context.Context, a Anomaly) error {
	obs.CountAnomaly(a.Entity, a.Source)
	if s.Store == nil {
		return nil
	}
	var metadata []byte
	if len(a.Metadata) > 0 {
		metadata, _ = json.Marshal(a.Metadata)
	}
	entry := Entry{
		ID:         uuid.New(),
		Kind:       KindAnomaly,
		ActorKind:  ActorKindSystem,
		Action:     "ledger." + strings.TrimSpace(a.Entity) + ".rejected",
		Entity:     a.Entity,
		EntityID:   a.EntityID,
		FromStatus: a.From,
		ToStatus:   a.To,
		Reason:     a.Reason,
		Source:     a.Source,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}
	if err := s.Store.InsertAuditEntry(ctx, entry); err != nil {
		s.Logger.Error().Err(err).Str("entity", a.Entity).Str("id", a.EntityID).Msg("audit_anomaly_store_failed")
		return err
	}
	return nil
}

// RecordRequest stores an operator request when auditing is enabled.
func (s Service) RecordRequest(ctx context.Context, actor Actor, action, resourceID string, req *http.Request, status int, metadata []byte) error {
	if !s.Enabled {
		return nil
	}
	if s.SamplingRate > 0 && s.SamplingRate < 1 && rand.Float64() > s.SamplingRate {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	route := obs.RoutePatternFromContext(req.Context())
	if route == "" {
		route = strings.TrimSpace(req.URL.Path)
	}
	if status == 0 {
		status = http.StatusOK
	}
	return s.Store.InsertAuditEntry(ctx, Entry{
		ID:        uuid.New(),
		Kind:      KindAdmin,
		ActorKind: normalizeActorKind(actor.Kind),
		Actor:     strings.TrimSpace(actor.Subject),
		Action:    buildAction(action, req.Method, route),
		EntityID:  strings.TrimSpace(resourceID),
		Method:    req.Method,
		Route:     route,
		Status:    status,
		IP:        common.ClientIP(req),
		RequestID: strings.TrimSpace(req.Header.Get("X-Request-ID")),
		Metadata:  toJSON(metadata, req.URL.RawQuery),
		CreatedAt: s.now(),
	})
}

// List returns entries newest first.
func (s Service) List(ctx context.Context, p ListParams) ([]Entry, error) {
	if s.Store == nil {
		return nil, errors.New("audit: store not configured")
	}
	return s.Store.ListAuditEntries(ctx, p)
}

func buildAction(action, method, route string) string {
	if trimmed := strings.TrimSpace(action); trimmed != "" {
		return trimmed
	}
	if route == "" {
		route = "/"
	}
	return strings.ToUpper(strings.TrimSpace(method)) + " " + route
}

func normalizeActorKind(kind ActorKind) ActorKind {
	switch kind {
	case ActorKindOperator, ActorKindSystem:
		return kind
	default:
		return ActorKindAnonymous
	}
}

func toJSON(metadata []byte, query string) []byte {
	if len(metadata) > 0 {
		return metadata
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}
	data, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil
	}
	return data
}
