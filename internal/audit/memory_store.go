package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/campaignhq/internal/pagination"
)

// MemoryStore keeps entries in process memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory audit log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, cloneEntry(e))
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	matched := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return newerThan(matched[i], matched[j])
	})

	out := make([]*Entry, 0, limit)
	for _, e := range matched {
		if cursor != nil && !olderThanCursor(e, cursor) {
			continue
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Entries returns every entry in append order.
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func newerThan(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func olderThanCursor(e *Entry, c *pagination.Cursor) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID < c.ID
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Metadata = make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
