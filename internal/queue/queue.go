package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/resilience"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	// Attempt is 1 on first delivery. On enqueue it seeds the attempt
	// counter, which lets a replayed task keep part of its history.
	Attempt int
	Delay   time.Duration
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once within the configured deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		EnqueuedAt:  time.Now().UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}
	if msg.Attempt < 0 {
		msg.Attempt = 0
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	var claimed string
	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := dedupKey(e.Prefix, kind, msg.Key)
		ok, err := e.R.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		claimed = key
	}

	raw, err := json.Marshal(msg)
	if err == nil {
		err = e.R.ZAdd(ctx, queueKey(e.Prefix, kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
	}
	if err != nil {
		// A redelivery of this task must not be swallowed by our marker.
		if claimed != "" {
			if delErr := e.R.Del(context.WithoutCancel(ctx), claimed).Err(); delErr != nil {
				return errors.Join(err, fmt.Errorf("queue: release dedup key: %w", delErr))
			}
		}
		return err
	}
	refreshReady(ctx, e.R, e.Prefix, kind)
	return nil
}

func (e Enqueuer) queueKey(kind string) string { return queueKey(e.Prefix, kind) }

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Worker consumes tasks for a specific kind.
//
// A task that keeps failing is retried with exponential backoff until
// MaxAttempts, then moved to the dead-letter queue: the Store when one is
// configured, otherwise a Redis list.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler invocation. Zero means the
	// visibility timeout.
	SoftDeadline time.Duration
	// HeartbeatInterval extends the visibility of running tasks. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	PollInterval      time.Duration
	Store             Store
	Logger            *zerolog.Logger
}

// Run starts processing tasks until the context is cancelled. Active tasks are
// tracked in a processing set to enable redelivery when workers crash.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	processing := processingKey(w.Prefix, kind)
	ready := queueKey(w.Prefix, kind)
	log := w.logger().With().Str("component", "queue").Str("kind", kind).Logger()

	seedDeadLetters(ctx, w.Store)
	refreshReady(ctx, w.R, w.Prefix, kind)

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, processing, ready); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, ready, 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				sleepCtx(ctx, poll)
				continue
			}
			return err
		}
		if len(res) == 0 {
			sleepCtx(ctx, poll)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			log.Error().Err(err).Msg("queue_message_undecodable")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet, push back and wait
			_ = w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: member}).Err()
			wait := time.Duration(msg.AvailableAt - now)
			if wait > poll {
				wait = poll
			}
			sleepCtx(ctx, wait)
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processing, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, soft)
			defer cancel()
			stopHeartbeat := w.heartbeat(jobCtx, processing, raw, visibility)
			err := w.Handler(jobCtx, Task{
				Kind:           kind,
				Payload:        m.Payload,
				IdempotencyKey: m.Key,
				MaxAttempts:    m.MaxAttempts,
				Attempt:        m.Attempt,
			})
			stopHeartbeat()
			bookkeeping := context.WithoutCancel(ctx)
			if err != nil {
				w.handleFailure(bookkeeping, log, ready, processing, raw, m, retryBase, err)
				return
			}
			w.ack(bookkeeping, processing, raw, m)
		}(raw, msg)
	}
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func (w Worker) heartbeat(ctx context.Context, processing, raw string, visibility time.Duration) func() {
	if w.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(visibility).UnixNano()
				_ = w.R.ZAddXX(ctx, processing, redis.Z{Score: float64(deadline), Member: raw}).Err()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w Worker) handleFailure(ctx context.Context, log zerolog.Logger, ready, processing, raw string, msg taskMessage, base time.Duration, cause error) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processing, raw).Err()
	}
	msg.LastError = cause.Error()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, log, msg)
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
	log.Warn().
		Err(cause).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Int("max_attempts", msg.MaxAttempts).
		Dur("retry_in", delay).
		Msg("queue_task_retry")
	recordOutcome(msg.Kind, outcomeRetry)
}

func (w Worker) deadLetter(ctx context.Context, log zerolog.Logger, msg taskMessage) {
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if w.Store != nil {
		lastErr := msg.LastError
		_, err = w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        rawBytes,
			Attempts:       msg.Attempt,
			LastError:      &lastErr,
			CreatedAt:      time.Now().UTC(),
		})
	}
	if w.Store == nil || err != nil {
		if err != nil {
			log.Error().Err(err).Str("key", msg.Key).Msg("queue_dlq_store_failed")
		}
		_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), rawBytes).Err()
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
	log.Error().
		Str("key", msg.Key).
		Int("attempts", msg.Attempt).
		Str("last_error", msg.LastError).
		Msg("queue_task_dead_lettered")
	recordOutcome(msg.Kind, outcomeDead)
	refreshDeadLetters(ctx, w.Store, msg.Kind)
}

// ack removes the task from the processing set. The dedup key is left to
// expire so a redelivered duplicate within the window is still dropped.
func (w Worker) ack(ctx context.Context, processing, raw string, msg taskMessage) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processing, raw).Err()
	}
	recordOutcome(msg.Kind, outcomeOK)
}

func (w Worker) requeueExpired(ctx context.Context, processing, ready string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, processing, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, processing, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}

func queueLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	EnqueuedAt  int64  `json:"enqueued_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}
