package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Local serialises callbacks per key inside a single process. Keys that are no
// longer contended are dropped so the table only holds active entries.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

// NewLocal returns an empty in-process keyed lock.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// WithLock runs fn while holding the key. ttl is accepted for signature parity
// with Locker and ignored: a local holder cannot vanish without releasing.
func (l *Local) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return ctx.Err()
	}
	defer func() {
		<-s.ch
		l.releaseSlot(key, s)
	}()
	return fn(ctx)
}

// Held reports how many callers currently hold or wait on key.
func (l *Local) Held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[key]; ok {
		return s.waiters
	}
	return 0
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
}
