package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/ledger"
)

type recordingJournal struct {
	mu      sync.Mutex
	changes []ledger.Change
	fail    error
}

func (j *recordingJournal) Commit(_ context.Context, c ledger.Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.changes = append(j.changes, c)
	return nil
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(nil, zerolog.Nop())
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	l.Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return l
}

func seedOrder(t *testing.T, l *ledger.Ledger, id string, amount int64) ledger.Order {
	t.Helper()
	o, err := l.CreateOrder(context.Background(), ledger.Order{ID: id, Amount: amount, Currency: "inr"})
	require.NoError(t, err)
	return o
}

func seedPaid(t *testing.T, l *ledger.Ledger, orderID, paymentID string, amount int64) ledger.Payment {
	t.Helper()
	seedOrder(t, l, orderID, amount)
	p, outcome, err := l.RecordOrAdvancePayment(context.Background(), ledger.PaymentUpdate{
		PaymentID: paymentID, OrderID: orderID, Status: ledger.PaymentPaid, Method: "card",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)
	return p
}

func TestCreateOrderValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	o := seedOrder(t, l, "order_1", 10000)
	require.Equal(t, ledger.OrderCreated, o.Status)
	require.Equal(t, "INR", o.Currency)

	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 10, Currency: "INR"})
	require.ErrorIs(t, err, ledger.ErrDuplicate)
	_, err = l.CreateOrder(ctx, ledger.Order{ID: "order_2", Amount: 0, Currency: "INR"})
	require.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = l.CreateOrder(ctx, ledger.Order{ID: "order_3", Amount: 100})
	require.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = l.CreateOrder(ctx, ledger.Order{Amount: 100, Currency: "INR"})
	require.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = l.Order("order_missing")
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
}

func TestOrderNotesAreCopied(t *testing.T) {
	l := newLedger(t)
	notes := map[string]string{"source": "web"}
	_, err := l.CreateOrder(context.Background(), ledger.Order{ID: "order_n", Amount: 100, Currency: "INR", Notes: notes})
	require.NoError(t, err)
	notes["source"] = "mutated"

	got, err := l.Order("order_n")
	require.NoError(t, err)
	require.Equal(t, "web", got.Notes["source"])
	got.Notes["source"] = "again"
	again, _ := l.Order("order_n")
	require.Equal(t, "web", again.Notes["source"])
}

func TestPaymentRequiresOrder(t *testing.T) {
	l := newLedger(t)
	_, _, err := l.RecordOrAdvancePayment(context.Background(), ledger.PaymentUpdate{
		PaymentID: "pay_1", OrderID: "order_unknown", Status: ledger.PaymentPaid,
	})
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
	_, err = l.Payment("pay_1")
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
}

func TestPaymentForwardChainUpdatesOrder(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "order_1", 10000)

	p, outcome, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentCreated})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)
	require.Equal(t, int64(10000), p.Amount)
	require.Equal(t, "INR", p.Currency)

	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentAttempted})
	require.NoError(t, err)
	o, _ := l.Order("order_1")
	require.Equal(t, ledger.OrderAttempted, o.Status)

	p, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid, Method: "upi"})
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentPaid, p.Status)
	require.Equal(t, "upi", p.Method)
	o, _ = l.Order("order_1")
	require.Equal(t, ledger.OrderPaid, o.Status)

	latest, err := l.LatestPaymentForOrder("order_1")
	require.NoError(t, err)
	require.Equal(t, "pay_1", latest.ID)
}

func TestRecordOrAdvancePaymentIsIdempotent(t *testing.T) {
	j := &recordingJournal{}
	l := ledger.New(j, zerolog.Nop())
	ctx := context.Background()
	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 500, Currency: "INR"})
	require.NoError(t, err)

	update := ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid, Method: "card", Signature: "sig"}
	first, outcome, err := l.RecordOrAdvancePayment(ctx, update)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)
	orderAfterFirst, _ := l.Order("order_1")
	writes := len(j.changes)

	second, outcome, err := l.RecordOrAdvancePayment(ctx, update)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeUnchanged, outcome)
	require.Equal(t, first, second)
	orderAfterSecond, _ := l.Order("order_1")
	require.Equal(t, orderAfterFirst, orderAfterSecond)
	require.Len(t, j.changes, writes)
}

func TestSameStatusFillsMissingMethod(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "order_1", 500)
	_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid})
	require.NoError(t, err)

	p, outcome, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid, Method: "netbanking"})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeUnchanged, outcome)
	require.Equal(t, "netbanking", p.Method)

	p, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid, Method: "card"})
	require.NoError(t, err)
	require.Equal(t, "netbanking", p.Method)
}

func TestFailedThenPaidIsRejected(t *testing.T) {
	var buf bytes.Buffer
	l := ledger.New(nil, zerolog.New(&buf))
	ctx := context.Background()
	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 500, Currency: "INR"})
	require.NoError(t, err)

	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentFailed})
	require.NoError(t, err)

	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid, Source: "webhook"})
	require.ErrorIs(t, err, ledger.ErrIllegalTransition)
	var te *ledger.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "failed", te.From)
	require.Equal(t, "paid", te.To)

	p, err := l.Payment("pay_1")
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentFailed, p.Status)
	o, _ := l.Order("order_1")
	require.Equal(t, ledger.OrderFailed, o.Status)
	require.Contains(t, buf.String(), "ledger_anomaly")
	require.Contains(t, buf.String(), `"source":"webhook"`)
}

func TestBackwardTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to ledger.PaymentStatus
	}{
		{ledger.PaymentPaid, ledger.PaymentAttempted},
		{ledger.PaymentPaid, ledger.PaymentFailed},
		{ledger.PaymentAttempted, ledger.PaymentCreated},
		{ledger.PaymentFailed, ledger.PaymentAttempted},
		{ledger.PaymentAttempted, ledger.PaymentRefunded},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			l := newLedger(t)
			ctx := context.Background()
			seedOrder(t, l, "order_1", 100)
			_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: tc.from})
			require.NoError(t, err)
			_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: tc.to})
			require.ErrorIs(t, err, ledger.ErrIllegalTransition)
			p, _ := l.Payment("pay_1")
			require.Equal(t, tc.from, p.Status)
		})
	}
}

func TestPaymentOrderMismatchIsAnomaly(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedPaid(t, l, "order_1", "pay_1", 100)
	seedOrder(t, l, "order_2", 100)

	_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_2", Status: ledger.PaymentPaid})
	require.ErrorIs(t, err, ledger.ErrIllegalTransition)
	p, _ := l.Payment("pay_1")
	require.Equal(t, "order_1", p.OrderID)
	_, err = l.LatestPaymentForOrder("order_2")
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
}

func TestFailedOrderCanBeRetried(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "order_1", 100)
	_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_a", OrderID: "order_1", Status: ledger.PaymentFailed})
	require.NoError(t, err)
	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_b", OrderID: "order_1", Status: ledger.PaymentPaid})
	require.NoError(t, err)

	o, _ := l.Order("order_1")
	require.Equal(t, ledger.OrderPaid, o.Status)
	payments, err := l.PaymentsForOrder("order_1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, "pay_a", payments[0].ID)
	require.Equal(t, "pay_b", payments[1].ID)
}

func TestConcurrentAdvanceAppliesOnce(t *testing.T) {
	l := ledger.New(nil, zerolog.Nop())
	ctx := context.Background()
	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 100, Currency: "INR"})
	require.NoError(t, err)
	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentAttempted})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid})
			if err != nil {
				return
			}
			if outcome == ledger.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, applied)
}

func TestJournalFailureAbortsMutation(t *testing.T) {
	j := &recordingJournal{}
	l := ledger.New(j, zerolog.Nop())
	ctx := context.Background()
	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 100, Currency: "INR"})
	require.NoError(t, err)
	require.Len(t, j.changes, 1)
	require.NotNil(t, j.changes[0].Order)

	j.fail = errors.New("db down")
	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid})
	require.ErrorContains(t, err, "db down")
	_, err = l.Payment("pay_1")
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
	o, _ := l.Order("order_1")
	require.Equal(t, ledger.OrderCreated, o.Status)
}

func TestRefundsRespectBalance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedPaid(t, l, "order_1", "pay_1", 10000)

	r, outcome, err := l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 4000, Speed: "normal"})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)
	require.Equal(t, ledger.RefundCreated, r.Status)
	p, _ := l.Payment("pay_1")
	require.Equal(t, ledger.PaymentPaid, p.Status)

	balance, err := l.RefundableBalance("pay_1")
	require.NoError(t, err)
	require.Equal(t, int64(6000), balance)

	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_2", PaymentID: "pay_1", Amount: 6001})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, err = l.CheckRefund("pay_1", 6001)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	full, err := l.CheckRefund("pay_1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(6000), full)

	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_2", PaymentID: "pay_1", Amount: 6000, Status: ledger.RefundProcessed})
	require.NoError(t, err)
	p, _ = l.Payment("pay_1")
	require.Equal(t, ledger.PaymentRefunded, p.Status)

	_, err = l.CheckRefund("pay_1", 1)
	require.ErrorIs(t, err, ledger.ErrNotRefundable)
	refunds, err := l.RefundsForPayment("pay_1")
	require.NoError(t, err)
	require.Len(t, refunds, 2)
}

func TestFailedRefundReleasesBalance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedPaid(t, l, "order_1", "pay_1", 1000)

	_, _, err := l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 700})
	require.NoError(t, err)
	_, outcome, err := l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 700, Status: ledger.RefundFailed})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)

	balance, _ := l.RefundableBalance("pay_1")
	require.Equal(t, int64(1000), balance)

	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Status: ledger.RefundProcessed})
	require.ErrorIs(t, err, ledger.ErrIllegalTransition)
	r, _ := l.Refund("rfnd_1")
	require.Equal(t, ledger.RefundFailed, r.Status)
}

func TestRefundRequiresPaidPayment(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "order_1", 1000)
	_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentFailed})
	require.NoError(t, err)

	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 100})
	require.ErrorIs(t, err, ledger.ErrNotRefundable)
	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_missing", Amount: 100})
	require.ErrorIs(t, err, ledger.ErrUnknownEntity)
}

func TestRefundRecordedAgainstFetchedRefundedPayment(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedPaid(t, l, "order_1", "pay_1", 1000)
	_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentRefunded})
	require.NoError(t, err)

	_, outcome, err := l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 400, Status: ledger.RefundProcessed})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, outcome)
	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_2", PaymentID: "pay_1", Amount: 601})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, _, err = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: "rfnd_2", PaymentID: "pay_1", Amount: 600})
	require.NoError(t, err)

	balance, _ := l.RefundableBalance("pay_1")
	require.Zero(t, balance)
	p, _ := l.Payment("pay_1")
	require.Equal(t, ledger.PaymentRefunded, p.Status)
	_, err = l.CheckRefund("pay_1", 1)
	require.ErrorIs(t, err, ledger.ErrNotRefundable)
}

func TestRefundRedeliveryIsUnchanged(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedPaid(t, l, "order_1", "pay_1", 1000)

	u := ledger.RefundUpdate{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 1000}
	_, _, err := l.ApplyRefund(ctx, u)
	require.NoError(t, err)
	r, outcome, err := l.ApplyRefund(ctx, u)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeUnchanged, outcome)
	require.Equal(t, int64(1000), r.Amount)
}

func TestConcurrentRefundsNeverExceedAmount(t *testing.T) {
	l := ledger.New(nil, zerolog.Nop())
	ctx := context.Background()
	_, err := l.CreateOrder(ctx, ledger.Order{ID: "order_1", Amount: 1000, Currency: "INR"})
	require.NoError(t, err)
	_, _, err = l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: "pay_1", OrderID: "order_1", Status: ledger.PaymentPaid})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = l.ApplyRefund(ctx, ledger.RefundUpdate{RefundID: fmt.Sprintf("rfnd_%d", i), PaymentID: "pay_1", Amount: 100})
		}(i)
	}
	wg.Wait()

	refunds, err := l.RefundsForPayment("pay_1")
	require.NoError(t, err)
	var sum int64
	for _, r := range refunds {
		sum += r.Amount
	}
	require.Equal(t, int64(1000), sum)
	require.Len(t, refunds, 10)
	p, _ := l.Payment("pay_1")
	require.Equal(t, ledger.PaymentRefunded, p.Status)
}

func TestListPaymentsNewestFirst(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		orderID := fmt.Sprintf("order_%d", i)
		seedOrder(t, l, orderID, 100)
		status := ledger.PaymentPaid
		if i%2 == 0 {
			status = ledger.PaymentFailed
		}
		_, _, err := l.RecordOrAdvancePayment(ctx, ledger.PaymentUpdate{PaymentID: fmt.Sprintf("pay_%d", i), OrderID: orderID, Status: status})
		require.NoError(t, err)
	}

	page, total := l.ListPayments(ledger.ListFilter{Limit: 2})
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "pay_5", page[0].ID)
	require.Equal(t, "pay_4", page[1].ID)

	page, total = l.ListPayments(ledger.ListFilter{Limit: 2, Offset: 4})
	require.Equal(t, 5, total)
	require.Len(t, page, 1)
	require.Equal(t, "pay_1", page[0].ID)

	page, total = l.ListPayments(ledger.ListFilter{Status: ledger.PaymentFailed})
	require.Equal(t, 2, total)
	require.Equal(t, "pay_4", page[0].ID)

	page, _ = l.ListPayments(ledger.ListFilter{Offset: 10})
	require.Empty(t, page)
}

func TestRestoreRebuildsIndexes(t *testing.T) {
	l := ledger.New(nil, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Restore(ledger.Snapshot{
		Orders: []ledger.Order{{ID: "order_1", Amount: 1000, Currency: "INR", Status: ledger.OrderPaid, CreatedAt: t0}},
		Payments: []ledger.Payment{
			{ID: "pay_b", OrderID: "order_1", Amount: 1000, Status: ledger.PaymentPaid, CreatedAt: t0.Add(2 * time.Minute)},
			{ID: "pay_a", OrderID: "order_1", Amount: 1000, Status: ledger.PaymentFailed, CreatedAt: t0.Add(time.Minute)},
		},
		Refunds: []ledger.Refund{{ID: "rfnd_1", PaymentID: "pay_b", Amount: 250, Status: ledger.RefundProcessed, CreatedAt: t0.Add(3 * time.Minute)}},
	})

	latest, err := l.LatestPaymentForOrder("order_1")
	require.NoError(t, err)
	require.Equal(t, "pay_b", latest.ID)
	balance, err := l.RefundableBalance("pay_b")
	require.NoError(t, err)
	require.Equal(t, int64(750), balance)
	require.Equal(t, map[string]int{"orders": 1, "payments": 2, "refunds": 1}, l.Stats())
}
