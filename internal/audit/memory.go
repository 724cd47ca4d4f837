package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InsertAuditEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, p ListParams) ([]Entry, error) {
	m.mu.RLock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if p.Kind != "" && e.Kind != p.Kind {
			continue
		}
		matched = append(matched, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if p.Offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[max(p.Offset, 0):]
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched, nil
}
