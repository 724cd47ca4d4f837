package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable means no dead-letter backend is configured.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	ErrEntryNotFound    = errors.New("queue: dlq entry not found")
)

// Store keeps tasks that exhausted their attempts until an operator replays
// them. Lists are newest first; an empty kind matches every kind.
type Store interface {
	InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	DeleteQueueDlq(ctx context.Context, id uuid.UUID) error
	GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	CountQueueDlq(ctx context.Context, kind string) (int64, error)
	QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error)
}

// DLQEntry is one dead-lettered task. Payload holds the encoded task message
// including its attempt history. Field order matches the queue_dlq columns.
type DLQEntry struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idem_key"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewStore returns a Postgres-backed Store over the queue_dlq table.
func NewStore(pool *pgxpool.Pool) Store {
	return PGStore{Pool: pool}
}

// PGStore implements Store on Postgres.
type PGStore struct {
	Pool *pgxpool.Pool
}

const (
	sqlInsertDLQ = `INSERT INTO queue_dlq (id, kind, idem_key, payload, attempts, last_error, created_at)
VALUES (@id, @kind, @idem_key, @payload, @attempts, @last_error, @created_at)`
	sqlSelectDLQ = `SELECT id, kind, idem_key, payload, attempts, last_error, created_at FROM queue_dlq`
	sqlKindMatch = ` WHERE (@kind = '' OR kind = @kind)`
)

func (s PGStore) ready() error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (s PGStore) InsertQueueDlq(ctx context.Context, e DLQEntry) (uuid.UUID, error) {
	if err := s.ready(); err != nil {
		return uuid.Nil, err
	}
	e = withDefaults(e)
	_, err := s.Pool.Exec(ctx, sqlInsertDLQ, pgx.NamedArgs{
		"id":         e.ID,
		"kind":       e.Kind,
		"idem_key":   e.IdempotencyKey,
		"payload":    e.Payload,
		"attempts":   e.Attempts,
		"last_error": e.LastError,
		"created_at": e.CreatedAt,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

func (s PGStore) DeleteQueueDlq(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	return err
}

func (s PGStore) GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if err := s.ready(); err != nil {
		return DLQEntry{}, err
	}
	rows, err := s.Pool.Query(ctx, sqlSelectDLQ+` WHERE id = $1`, id)
	if err != nil {
		return DLQEntry{}, err
	}
	entry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[DLQEntry])
	if errors.Is(err, pgx.ErrNoRows) {
		return DLQEntry{}, ErrEntryNotFound
	}
	return entry, err
}

func (s PGStore) ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, sqlSelectDLQ+sqlKindMatch+` ORDER BY created_at DESC LIMIT @limit OFFSET @offset`,
		pgx.NamedArgs{"kind": strings.TrimSpace(kind), "limit": listLimit(limit), "offset": max(offset, 0)})
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[DLQEntry])
}

func (s PGStore) CountQueueDlq(ctx context.Context, kind string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM queue_dlq`+sqlKindMatch,
		pgx.NamedArgs{"kind": strings.TrimSpace(kind)}).Scan(&n)
	return n, err
}

func (s PGStore) QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, `SELECT kind, count(*) FROM queue_dlq GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int64)
	var (
		kind string
		n    int64
	)
	_, err = pgx.ForEachRow(rows, []any{&kind, &n}, func() error {
		sizes[kind] = n
		return nil
	})
	return sizes, err
}

func withDefaults(e DLQEntry) DLQEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// listLimit bounds a page to [1, 500].
func listLimit(n int) int {
	return min(max(n, 1), 500)
}
