// Package ledger is the authoritative record of orders, payments and refunds.
//
// Mutations are serialised per order aggregate (an order together with its
// payments and their refunds) so the transition check and the write happen
// atomically. Unrelated orders proceed in parallel. Reads return copies.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/lock"
)

// Ledger owns every order, payment and refund known to the process.
type Ledger struct {
	// Clock returns the current time; tests may replace it before use.
	Clock func() time.Time

	journal Journal
	log     zerolog.Logger
	locks   *lock.Local

	mu               sync.RWMutex
	orders           map[string]Order
	payments         map[string]Payment
	refunds          map[string]Refund
	paymentsByOrder  map[string][]string
	refundsByPayment map[string][]string
}

// New returns an empty ledger. journal may be nil for a purely in-memory ledger.
func New(journal Journal, logger zerolog.Logger) *Ledger {
	return &Ledger{
		Clock:            func() time.Time { return time.Now().UTC() },
		journal:          journal,
		log:              logger.With().Str("component", "ledger").Logger(),
		locks:            lock.NewLocal(),
		orders:           make(map[string]Order),
		payments:         make(map[string]Payment),
		refunds:          make(map[string]Refund),
		paymentsByOrder:  make(map[string][]string),
		refundsByPayment: make(map[string][]string),
	}
}

func (l *Ledger) withOrder(ctx context.Context, orderID string, fn func(context.Context) error) error {
	return l.locks.WithLock(ctx, "order:"+orderID, 0, fn)
}

func (l *Ledger) commit(ctx context.Context, change Change) error {
	if l.journal != nil {
		if err := l.journal.Commit(ctx, change); err != nil {
			return fmt.Errorf("ledger: journal: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if change.Order != nil {
		l.orders[change.Order.ID] = change.Order.clone()
	}
	if change.Payment != nil {
		p := *change.Payment
		if _, ok := l.payments[p.ID]; !ok {
			l.paymentsByOrder[p.OrderID] = append(l.paymentsByOrder[p.OrderID], p.ID)
		}
		l.payments[p.ID] = p
	}
	if change.Refund != nil {
		r := change.Refund.clone()
		if _, ok := l.refunds[r.ID]; !ok {
			l.refundsByPayment[r.PaymentID] = append(l.refundsByPayment[r.PaymentID], r.ID)
		}
		l.refunds[r.ID] = r
	}
	return nil
}

func (l *Ledger) anomaly(source string, err *TransitionError) {
	l.log.Warn().
		Str("entity", err.Entity).
		Str("id", err.ID).
		Str("from", err.From).
		Str("to", err.To).
		Str("reason", err.Reason).
		Str("source", source).
		Msg("ledger_anomaly")
}

// CreateOrder records a new order in status created.
func (l *Ledger) CreateOrder(ctx context.Context, o Order) (Order, error) {
	o.ID = strings.TrimSpace(o.ID)
	if o.ID == "" {
		return Order{}, invalid("order id is required")
	}
	if o.Amount <= 0 {
		return Order{}, invalid("order amount must be positive")
	}
	o.Currency = strings.ToUpper(strings.TrimSpace(o.Currency))
	if o.Currency == "" {
		return Order{}, invalid("order currency is required")
	}
	if o.Status == "" {
		o.Status = OrderCreated
	}
	now := l.Clock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o = o.clone()

	err := l.withOrder(ctx, o.ID, func(ctx context.Context) error {
		l.mu.RLock()
		_, exists := l.orders[o.ID]
		l.mu.RUnlock()
		if exists {
			return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
		}
		return l.commit(ctx, Change{Order: &o})
	})
	if err != nil {
		return Order{}, err
	}
	return o.clone(), nil
}

// Order returns the order with the given id.
func (l *Ledger) Order(id string) (Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", ErrUnknownEntity, id)
	}
	return o.clone(), nil
}

// Payment returns the payment with the given id.
func (l *Ledger) Payment(id string) (Payment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment %s", ErrUnknownEntity, id)
	}
	return p, nil
}

// Refund returns the refund with the given id.
func (l *Ledger) Refund(id string) (Refund, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.refunds[id]
	if !ok {
		return Refund{}, fmt.Errorf("%w: refund %s", ErrUnknownEntity, id)
	}
	return r.clone(), nil
}

// PaymentsForOrder returns the order's payments in the order they were recorded.
func (l *Ledger) PaymentsForOrder(orderID string) ([]Payment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.orders[orderID]; !ok {
		return nil, fmt.Errorf("%w: order %s", ErrUnknownEntity, orderID)
	}
	ids := l.paymentsByOrder[orderID]
	out := make([]Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.payments[id])
	}
	return out, nil
}

// LatestPaymentForOrder returns the most recently recorded payment of an order.
func (l *Ledger) LatestPaymentForOrder(orderID string) (Payment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.paymentsByOrder[orderID]
	if len(ids) == 0 {
		return Payment{}, fmt.Errorf("%w: payment for order %s", ErrUnknownEntity, orderID)
	}
	return l.payments[ids[len(ids)-1]], nil
}

// RefundsForPayment returns the payment's refunds in the order they were recorded.
func (l *Ledger) RefundsForPayment(paymentID string) ([]Refund, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.payments[paymentID]; !ok {
		return nil, fmt.Errorf("%w: payment %s", ErrUnknownEntity, paymentID)
	}
	ids := l.refundsByPayment[paymentID]
	out := make([]Refund, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.refunds[id].clone())
	}
	return out, nil
}

// RefundableBalance returns the payment amount not yet covered by refunds
// that have not failed.
func (l *Ledger) RefundableBalance(paymentID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payments[paymentID]
	if !ok {
		return 0, fmt.Errorf("%w: payment %s", ErrUnknownEntity, paymentID)
	}
	return p.Amount - l.refundedLocked(paymentID), nil
}

func (l *Ledger) refundedLocked(paymentID string) int64 {
	var sum int64
	for _, id := range l.refundsByPayment[paymentID] {
		if r := l.refunds[id]; r.Status != RefundFailed {
			sum += r.Amount
		}
	}
	return sum
}

// CheckRefund validates a prospective refund without mutating anything. An
// amount of zero asks for the full remaining balance, which is returned.
func (l *Ledger) CheckRefund(paymentID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, invalid("refund amount must not be negative")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payments[paymentID]
	if !ok {
		return 0, fmt.Errorf("%w: payment %s", ErrUnknownEntity, paymentID)
	}
	if p.Status != PaymentPaid {
		return 0, fmt.Errorf("%w: payment %s is %s", ErrNotRefundable, paymentID, p.Status)
	}
	balance := p.Amount - l.refundedLocked(paymentID)
	if amount == 0 {
		amount = balance
	}
	if amount <= 0 || amount > balance {
		return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientBalance, amount, balance)
	}
	return amount, nil
}

// ListPayments returns payments newest first together with the total number
// matching the filter.
func (l *Ledger) ListPayments(f ListFilter) ([]Payment, int) {
	l.mu.RLock()
	matched := make([]Payment, 0, len(l.payments))
	for _, p := range l.payments {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		matched = append(matched, p)
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Payment{}, total
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	return matched[offset:end], total
}

// Restore replaces the ledger content with snap. Indexes are rebuilt in
// creation order.
func (l *Ledger) Restore(snap Snapshot) {
	payments := append([]Payment(nil), snap.Payments...)
	sort.SliceStable(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	refunds := append([]Refund(nil), snap.Refunds...)
	sort.SliceStable(refunds, func(i, j int) bool { return refunds[i].CreatedAt.Before(refunds[j].CreatedAt) })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = make(map[string]Order, len(snap.Orders))
	l.payments = make(map[string]Payment, len(payments))
	l.refunds = make(map[string]Refund, len(refunds))
	l.paymentsByOrder = make(map[string][]string)
	l.refundsByPayment = make(map[string][]string)
	for _, o := range snap.Orders {
		l.orders[o.ID] = o.clone()
	}
	for _, p := range payments {
		l.payments[p.ID] = p
		l.paymentsByOrder[p.OrderID] = append(l.paymentsByOrder[p.OrderID], p.ID)
	}
	for _, r := range refunds {
		l.refunds[r.ID] = r.clone()
		l.refundsByPayment[r.PaymentID] = append(l.refundsByPayment[r.PaymentID], r.ID)
	}
	l.log.Info().
		Int("orders", len(l.orders)).
		Int("payments", len(l.payments)).
		Int("refunds", len(l.refunds)).
		Msg("ledger restored")
}

// Stats returns entity counts, used by readiness and admin views.
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]int{
		"orders":   len(l.orders),
		"payments": len(l.payments),
		"refunds":  len(l.refunds),
	}
}
