package settings

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
)

// MemoryStore keeps settings in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	current Settings
	journal audit.Store
	now     func() time.Time
}

// NewMemoryStore creates a store holding Defaults.
func NewMemoryStore(journal audit.Store) *MemoryStore {
	return &MemoryStore{current: Defaults(), journal: journal, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.current
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, p Patch, actorID string, entry *audit.Entry) (*Settings, error) {
	if len(p) == 0 {
		return nil, ErrEmptyPatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	describe(entry, p, &m.current)
	p.Apply(&next)
	now := m.now()
	next.UpdatedAt = &now
	next.UpdatedBy = actorID

	if entry != nil && m.journal != nil {
		if err := m.journal.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	m.current = next
	cp := next
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
