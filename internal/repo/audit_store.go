package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-paygate/internal/audit"
)

// AuditStore persists audit entries in the audit_entries table.
type AuditStore struct {
	DB Querier
}

const auditColumns = `id, kind, actor_kind, actor, action, entity, entity_id, from_status, to_status, reason, source,
method, route, status, ip, request_id, metadata, created_at`

func (s AuditStore) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	if s.DB == nil {
		return ErrPoolMissing
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO audit_entries (`+auditColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, string(e.Kind), string(e.ActorKind), e.Actor, e.Action, e.Entity, e.EntityID, e.FromStatus, e.ToStatus,
		e.Reason, e.Source, e.Method, e.Route, e.Status, e.IP, e.RequestID, nullableJSON(e.Metadata), e.CreatedAt)
	return err
}

func (s AuditStore) ListAuditEntries(ctx context.Context, p audit.ListParams) ([]audit.Entry, error) {
	if s.DB == nil {
		return nil, ErrPoolMissing
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(p.Offset, 0)
	rows, err := s.DB.Query(ctx, `SELECT `+auditColumns+` FROM audit_entries
WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, string(p.Kind), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]audit.Entry, 0, limit)
	for rows.Next() {
		var (
			e         audit.Entry
			kind      string
			actorKind string
			metadata  []byte
		)
		if err := rows.Scan(&e.ID, &kind, &actorKind, &e.Actor, &e.Action, &e.Entity, &e.EntityID, &e.FromStatus,
			&e.ToStatus, &e.Reason, &e.Source, &e.Method, &e.Route, &e.Status, &e.IP, &e.RequestID, &metadata,
			&e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		e.ActorKind = audit.ActorKind(actorKind)
		if len(metadata) > 0 {
			e.Metadata = metadata
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
