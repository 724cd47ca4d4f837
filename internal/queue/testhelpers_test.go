package queue_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/queue"
)

type harness struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  queue.RedisStore
	prefix string
}

func newHarness(t *testing.T, prefix string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &harness{
		mr:     mr,
		client: client,
		store:  queue.RedisStore{R: client, Prefix: prefix},
		prefix: prefix,
	}
}

func (h *harness) enqueuer() queue.Enqueuer {
	return queue.Enqueuer{R: h.client, Prefix: h.prefix, DedupTTL: time.Minute, MaxAttempts: 3}
}

func (h *harness) worker(handler func(context.Context, queue.Task) error) queue.Worker {
	log := zerolog.New(io.Discard)
	return queue.Worker{
		R:                 h.client,
		Prefix:            h.prefix,
		Kind:              "webhook",
		Concurrency:       2,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Store:             h.store,
		Logger:            &log,
		Handler:           handler,
	}
}

// start runs w until the test ends.
func (h *harness) start(t *testing.T, w queue.Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (h *harness) readyMessages(t *testing.T, kind string) []map[string]any {
	t.Helper()
	members, err := h.client.ZRange(context.Background(), h.prefix+":queue:"+kind, 0, -1).Result()
	require.NoError(t, err)
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(m), &msg))
		out = append(out, msg)
	}
	return out
}

func webhookBody(event, paymentID string) []byte {
	return []byte(`{"event":"` + event + `","payload":{"payment":{"entity":{"id":"` + paymentID + `","status":"captured"}}}}`)
}

// deadLetter stores an entry shaped like the ones the worker writes.
func (h *harness) deadLetter(t *testing.T, kind, key string, body []byte, at time.Time) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kind":         kind,
		"key":          key,
		"payload":      body,
		"attempt":      3,
		"max_attempts": 3,
		"available_at": at.UnixNano(),
		"last_error":   "gateway unavailable",
	})
	require.NoError(t, err)
	lastErr := "gateway unavailable"
	id, err := h.store.InsertQueueDlq(context.Background(), queue.DLQEntry{
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        raw,
		Attempts:       3,
		LastError:      &lastErr,
		CreatedAt:      at,
	})
	require.NoError(t, err)
	return id
}

func redisZ(at time.Time, member string) redis.Z {
	return redis.Z{Score: float64(at.UnixNano()), Member: member}
}

func processingScore(t *testing.T, h *harness) float64 {
	t.Helper()
	members, err := h.client.ZRangeWithScores(context.Background(), h.prefix+":webhook:processing", 0, 0).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	return members[0].Score
}
