// Package repo persists the ledger, audit trail and domain events in
// PostgreSQL through pgx.
package repo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPoolMissing is returned when a store is used without a database handle.
var ErrPoolMissing = errors.New("repo: database pool is not configured")

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by the stores.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxQuerier can open a transaction.
type TxQuerier interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

func encodeNotes(notes map[string]string) ([]byte, error) {
	if len(notes) == 0 {
		return nil, nil
	}
	return json.Marshal(notes)
}

func decodeNotes(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var notes map[string]string
	if err := json.Unmarshal(raw, &notes); err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, nil
	}
	return notes, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
