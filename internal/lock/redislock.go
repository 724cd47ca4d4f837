package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-paygate/internal/resilience"
)

// ErrLeaseLost is the cause attached to the callback context when the lease
// could not be renewed, typically because it expired and another process
// took the key.
var ErrLeaseLost = errors.New("lock: lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker is a Redis lease lock shared by every API replica. The lease is
// renewed every ttl/3 while the callback runs.
type Locker struct {
	R *redis.Client
	// Prefix namespaces keys as "<prefix>:<key>"; empty means "lock".
	Prefix       string
	RetryBackoff time.Duration
}

// WithLock blocks until key is free or ctx ends, then runs fn holding it.
// fn's context is cancelled with ErrLeaseLost if renewal fails.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	switch {
	case l.R == nil:
		return errors.New("lock: redis client not configured")
	case fn == nil:
		return errors.New("lock: callback not provided")
	case strings.TrimSpace(key) == "":
		return errors.New("lock: key is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	name := l.keyFor(key)
	token := uuid.NewString()
	if err := l.acquire(ctx, name, token, ttl); err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	watchdog := make(chan struct{})
	go func() {
		defer close(watchdog)
		l.renew(held, cancel, stop, name, token, ttl)
	}()
	defer func() {
		close(stop)
		<-watchdog
		cancel(nil)
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.R, []string{name}, token).Err()
	}()
	return fn(held)
}

func (l Locker) acquire(ctx context.Context, name, token string, ttl time.Duration) error {
	base := l.RetryBackoff
	if base <= 0 {
		base = 25 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		ok, err := l.R.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait := min(resilience.Backoff(base, attempt, 0.2), 20*base)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) renew(ctx context.Context, lost context.CancelCauseFunc, stop <-chan struct{}, name, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.R, []string{name}, token, ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				lost(ErrLeaseLost)
				return
			}
		}
	}
}

func (l Locker) keyFor(key string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "lock"
	}
	return prefix + ":" + key
}
