package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-paygate/internal/ledger"
)

// Journal writes ledger changes to PostgreSQL. Each change is committed in
// one transaction so an order and its payment never diverge on disk.
type Journal struct {
	DB TxQuerier
}

const upsertOrder = `INSERT INTO orders (id, amount, currency, receipt, status, customer_name, customer_email, customer_phone, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at`

const upsertPayment = `INSERT INTO payments (id, order_id, amount, currency, status, method, signature, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, method = EXCLUDED.method, signature = EXCLUDED.signature, updated_at = EXCLUDED.updated_at`

const upsertRefund = `INSERT INTO refunds (id, payment_id, amount, currency, status, speed, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, speed = EXCLUDED.speed, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at`

// Commit implements ledger.Journal.
func (j Journal) Commit(ctx context.Context, change ledger.Change) error {
	if j.DB == nil {
		return ErrPoolMissing
	}
	if change.Order == nil && change.Payment == nil && change.Refund == nil {
		return nil
	}
	return pgx.BeginFunc(ctx, j.DB, func(tx pgx.Tx) error {
		if o := change.Order; o != nil {
			notes, err := encodeNotes(o.Notes)
			if err != nil {
				return fmt.Errorf("repo: encode order notes: %w", err)
			}
			if _, err := tx.Exec(ctx, upsertOrder, o.ID, o.Amount, o.Currency, o.Receipt, string(o.Status),
				o.Customer.Name, o.Customer.Email, o.Customer.Phone, notes, o.CreatedAt, o.UpdatedAt); err != nil {
				return fmt.Errorf("repo: upsert order %s: %w", o.ID, err)
			}
		}
		if p := change.Payment; p != nil {
			if _, err := tx.Exec(ctx, upsertPayment, p.ID, p.OrderID, p.Amount, p.Currency, string(p.Status),
				p.Method, p.Signature, p.CreatedAt, p.UpdatedAt); err != nil {
				return fmt.Errorf("repo: upsert payment %s: %w", p.ID, err)
			}
		}
		if r := change.Refund; r != nil {
			notes, err := encodeNotes(r.Notes)
			if err != nil {
				return fmt.Errorf("repo: encode refund notes: %w", err)
			}
			if _, err := tx.Exec(ctx, upsertRefund, r.ID, r.PaymentID, r.Amount, r.Currency, string(r.Status),
				r.Speed, notes, r.CreatedAt, r.UpdatedAt); err != nil {
				return fmt.Errorf("repo: upsert refund %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadSnapshot reads every persisted order, payment and refund so the ledger
// can be rebuilt at boot.
func (j Journal) LoadSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	if j.DB == nil {
		return ledger.Snapshot{}, ErrPoolMissing
	}
	var snap ledger.Snapshot
	var err error
	if snap.Orders, err = j.loadOrders(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Payments, err = j.loadPayments(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Refunds, err = j.loadRefunds(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

func (j Journal) loadOrders(ctx context.Context) ([]ledger.Order, error) {
	rows, err := j.DB.Query(ctx, `SELECT id, amount, currency, receipt, status, customer_name, customer_email, customer_phone, notes, created_at, updated_at
FROM orders ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("repo: load orders: %w", err)
	}
	defer rows.Close()
	var out []ledger.Order
	for rows.Next() {
		var (
			o      ledger.Order
			status string
			notes  []byte
		)
		if err := rows.Scan(&o.ID, &o.Amount, &o.Currency, &o.Receipt, &status, &o.Customer.Name, &o.Customer.Email,
			&o.Customer.Phone, &notes, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan order: %w", err)
		}
		o.Status = ledger.OrderStatus(status)
		if o.Notes, err = decodeNotes(notes); err != nil {
			return nil, fmt.Errorf("repo: decode notes for order %s: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j Journal) loadPayments(ctx context.Context) ([]ledger.Payment, error) {
	rows, err := j.DB.Query(ctx, `SELECT id, order_id, amount, currency, status, method, signature, created_at, updated_at
FROM payments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("repo: load payments: %w", err)
	}
	defer rows.Close()
	var out []ledger.Payment
	for rows.Next() {
		var (
			p      ledger.Payment
			status string
		)
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &status, &p.Method, &p.Signature,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan payment: %w", err)
		}
		p.Status = ledger.PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (j Journal) loadRefunds(ctx context.Context) ([]ledger.Refund, error) {
	rows, err := j.DB.Query(ctx, `SELECT id, payment_id, amount, currency, status, speed, notes, created_at, updated_at
FROM refunds ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("repo: load refunds: %w", err)
	}
	defer rows.Close()
	var out []ledger.Refund
	for rows.Next() {
		var (
			r      ledger.Refund
			status string
			notes  []byte
		)
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.Amount, &r.Currency, &status, &r.Speed, &notes,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan refund: %w", err)
		}
		r.Status = ledger.RefundStatus(status)
		if r.Notes, err = decodeNotes(notes); err != nil {
			return nil, fmt.Errorf("repo: decode notes for refund %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
