package repo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/db"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/repo"
)

func postgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("PAYGATE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAYGATE_TEST_DATABASE_URL not set")
	}
	require.NoError(t, db.Migrate(url))
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(context.Background(), `TRUNCATE refunds, payments, orders, audit_entries, domain_events`)
	require.NoError(t, err)
	return pool
}

func TestJournalSnapshotRoundTrip(t *testing.T) {
	pool := postgresPool(t)
	ctx := context.Background()
	j := repo.Journal{DB: pool}

	change := sampleChange()
	require.NoError(t, j.Commit(ctx, change))

	later := change.Payment.UpdatedAt.Add(time.Minute)
	require.NoError(t, j.Commit(ctx, ledger.Change{Refund: &ledger.Refund{
		ID: "rfnd_1", PaymentID: "pay_1", Amount: 1000, Currency: "INR", Status: ledger.RefundProcessed,
		Notes: map[string]string{"reason": "damaged"}, CreatedAt: later, UpdatedAt: later,
	}}))

	snap, err := j.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	require.Len(t, snap.Payments, 1)
	require.Len(t, snap.Refunds, 1)
	require.Equal(t, ledger.OrderPaid, snap.Orders[0].Status)
	require.Equal(t, "Asha", snap.Orders[0].Notes["customer_name"])
	require.Equal(t, "upi", snap.Payments[0].Method)
	require.Equal(t, "damaged", snap.Refunds[0].Notes["reason"])

	l := ledger.New(j, zerolog.Nop())
	l.Restore(snap)
	balance, err := l.RefundableBalance("pay_1")
	require.NoError(t, err)
	require.Equal(t, int64(49000), balance)
}

func TestAuditStoreListByKind(t *testing.T) {
	pool := postgresPool(t)
	ctx := context.Background()
	store := repo.AuditStore{DB: pool}

	now := time.Now().UTC()
	require.NoError(t, store.InsertAuditEntry(ctx, audit.Entry{Kind: audit.KindAnomaly, ActorKind: audit.ActorKindSystem,
		Action: "ledger.payment.rejected", CreatedAt: now}))
	require.NoError(t, store.InsertAuditEntry(ctx, audit.Entry{Kind: audit.KindAdmin, ActorKind: audit.ActorKindOperator,
		Actor: "ops", Action: "GET /admin/audit", CreatedAt: now.Add(time.Second)}))

	anomalies, err := store.ListAuditEntries(ctx, audit.ListParams{Kind: audit.KindAnomaly, Limit: 10})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.Equal(t, "ledger.payment.rejected", anomalies[0].Action)

	all, err := store.ListAuditEntries(ctx, audit.ListParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, audit.KindAdmin, all[0].Kind)
}
