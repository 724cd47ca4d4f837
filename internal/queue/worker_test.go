package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/queue"
)

func TestWorkerDeliversWebhookBody(t *testing.T) {
	h := newHarness(t, "deliver")
	body := webhookBody("payment.captured", "pay_A1")
	require.NoError(t, h.enqueuer().Enqueue(context.Background(), queue.Task{Kind: "webhook", Payload: body, IdempotencyKey: "evt_A1"}))

	got := make(chan queue.Task, 1)
	h.start(t, h.worker(func(_ context.Context, task queue.Task) error {
		got <- task
		return nil
	}))

	select {
	case task := <-got:
		require.Equal(t, body, task.Payload)
		require.Equal(t, "evt_A1", task.IdempotencyKey)
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, 3, task.MaxAttempts)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook task was not delivered")
	}
}

func TestEnqueueDropsDuplicateEventWithinWindow(t *testing.T) {
	h := newHarness(t, "dedup")
	ctx := context.Background()
	enq := h.enqueuer()
	task := queue.Task{Kind: "webhook", Payload: webhookBody("payment.captured", "pay_B1"), IdempotencyKey: "evt_B1"}

	require.NoError(t, enq.Enqueue(ctx, task))
	require.NoError(t, enq.Enqueue(ctx, task))
	require.Len(t, h.readyMessages(t, "webhook"), 1)

	h.mr.FastForward(2 * time.Minute)
	require.NoError(t, enq.Enqueue(ctx, task))
	require.Len(t, h.readyMessages(t, "webhook"), 2)
}

func TestEnqueueFailureReleasesDedupKey(t *testing.T) {
	h := newHarness(t, "release")
	ctx := context.Background()
	enq := h.enqueuer()
	task := queue.Task{Kind: "webhook", Payload: webhookBody("payment.captured", "pay_C1"), IdempotencyKey: "evt_C1"}

	// A string at the ready-set key makes ZADD fail with WRONGTYPE.
	require.NoError(t, h.mr.Set("release:queue:webhook", "occupied"))
	require.Error(t, enq.Enqueue(ctx, task))
	require.False(t, h.mr.Exists("release:dedup:webhook:evt_C1"))

	h.mr.Del("release:queue:webhook")
	require.NoError(t, enq.Enqueue(ctx, task))
	ready := h.readyMessages(t, "webhook")
	require.Len(t, ready, 1)
	require.Equal(t, "evt_C1", ready[0]["key"])
	require.True(t, h.mr.Exists("release:dedup:webhook:evt_C1"))
}

func TestEnqueueValidatesKind(t *testing.T) {
	h := newHarness(t, "kind")
	ctx := context.Background()
	require.Error(t, h.enqueuer().Enqueue(ctx, queue.Task{Payload: []byte("{}")}))
	require.Error(t, h.enqueuer().Enqueue(ctx, queue.Task{Kind: "Web Hook", Payload: []byte("{}")}))
	require.Error(t, queue.Enqueuer{}.Enqueue(ctx, queue.Task{Kind: "webhook"}))
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, "retry")
	require.NoError(t, h.enqueuer().Enqueue(context.Background(), queue.Task{Kind: "webhook", Payload: webhookBody("refund.processed", "pay_C1"), IdempotencyKey: "evt_C1"}))

	var (
		mu       sync.Mutex
		attempts []int
	)
	h.start(t, h.worker(func(_ context.Context, task queue.Task) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, task.Attempt)
		if len(attempts) == 1 {
			return errors.New("processor unreachable")
		}
		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()

	count, err := h.store.CountQueueDlq(context.Background(), "webhook")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestWorkerDeadLettersExhaustedTask(t *testing.T) {
	h := newHarness(t, "exhaust")
	ctx := context.Background()
	require.NoError(t, h.enqueuer().Enqueue(ctx, queue.Task{Kind: "webhook", Payload: webhookBody("payment.failed", "pay_D1"), IdempotencyKey: "evt_D1", MaxAttempts: 2}))

	h.start(t, h.worker(func(context.Context, queue.Task) error {
		return errors.New("journal write failed")
	}))

	require.Eventually(t, func() bool {
		n, err := h.store.CountQueueDlq(ctx, "webhook")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := h.store.ListQueueDlq(ctx, "webhook", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "evt_D1", entries[0].IdempotencyKey)
	require.Equal(t, 2, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, "journal write failed", *entries[0].LastError)

	require.False(t, h.mr.Exists("exhaust:dedup:webhook:evt_D1"), "dedup marker must be released on dead-letter")
	require.Empty(t, h.readyMessages(t, "webhook"))
}

func TestWorkerFallsBackToRedisListWithoutStore(t *testing.T) {
	h := newHarness(t, "nostore")
	ctx := context.Background()
	require.NoError(t, h.enqueuer().Enqueue(ctx, queue.Task{Kind: "webhook", Payload: []byte("{}"), MaxAttempts: 1}))

	w := h.worker(func(context.Context, queue.Task) error { return errors.New("boom") })
	w.Store = nil
	h.start(t, w)

	require.Eventually(t, func() bool {
		n, err := h.client.LLen(ctx, "nostore:webhook:dlq").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerHoldsDelayedTask(t *testing.T) {
	h := newHarness(t, "delay")
	enqueuedAt := time.Now()
	require.NoError(t, h.enqueuer().Enqueue(context.Background(), queue.Task{Kind: "webhook", Payload: []byte("{}"), Delay: 250 * time.Millisecond}))

	delivered := make(chan time.Time, 1)
	h.start(t, h.worker(func(context.Context, queue.Task) error {
		delivered <- time.Now()
		return nil
	}))

	select {
	case at := <-delivered:
		require.GreaterOrEqual(t, at.Sub(enqueuedAt), 250*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never delivered")
	}
}

func TestWorkerRedeliversTaskLeftInFlight(t *testing.T) {
	h := newHarness(t, "crash")
	ctx := context.Background()

	// A task claimed by a worker that died: its visibility deadline has passed.
	raw, err := json.Marshal(map[string]any{
		"kind":         "webhook",
		"key":          "evt_E1",
		"payload":      webhookBody("payment.captured", "pay_E1"),
		"attempt":      1,
		"max_attempts": 3,
		"available_at": time.Now().Add(-time.Minute).UnixNano(),
	})
	require.NoError(t, err)
	require.NoError(t, h.client.ZAdd(ctx, "crash:webhook:processing", redisZ(time.Now().Add(-time.Second), string(raw))).Err())

	got := make(chan queue.Task, 1)
	h.start(t, h.worker(func(_ context.Context, task queue.Task) error {
		got <- task
		return nil
	}))

	select {
	case task := <-got:
		require.Equal(t, "evt_E1", task.IdempotencyKey)
		require.Equal(t, 2, task.Attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("stale in-flight task was not redelivered")
	}
}

func TestWorkerHeartbeatExtendsVisibility(t *testing.T) {
	h := newHarness(t, "beat")
	ctx := context.Background()
	require.NoError(t, h.enqueuer().Enqueue(ctx, queue.Task{Kind: "webhook", Payload: []byte("{}")}))

	scores := make(chan [2]float64, 1)
	w := h.worker(func(context.Context, queue.Task) error {
		first := processingScore(t, h)
		time.Sleep(150 * time.Millisecond)
		scores <- [2]float64{first, processingScore(t, h)}
		return nil
	})
	w.HeartbeatInterval = 30 * time.Millisecond
	h.start(t, w)

	select {
	case s := <-scores:
		require.Greater(t, s[1], s[0])
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestWorkerRequiresHandler(t *testing.T) {
	h := newHarness(t, "cfg")
	w := h.worker(nil)
	require.Error(t, w.Run(context.Background()))
	w = h.worker(func(context.Context, queue.Task) error { return nil })
	w.Kind = ""
	require.Error(t, w.Run(context.Background()))
}
