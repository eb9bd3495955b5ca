package user

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

// MemoryStore is an in-memory user store for development and tests. One
// mutex covers the admin count and the mutation.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	journal audit.Store
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore(journal audit.Store) *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		journal: journal,
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := NormalizeEmail(u.Email)
	for _, existing := range m.users {
		if existing.Email == email {
			return ErrEmailTaken
		}
	}
	cp := *u
	cp.Email = email
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = NormalizeEmail(email)
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*User, error) {
	m.mu.RLock()
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var all []*User
	for _, u := range m.users {
		if f.Role != "" && u.GlobalRole != f.Role {
			continue
		}
		if f.Suspended != nil && u.IsSuspended != *f.Suspended {
			continue
		}
		if q != "" && !strings.Contains(u.Email, q) && !strings.Contains(strings.ToLower(u.Name), q) {
			continue
		}
		cp := *u
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]*User, 0, limit)
	for _, u := range all {
		if cursor != nil {
			older := u.CreatedAt.Before(cursor.CreatedAt) ||
				(u.CreatedAt.Equal(cursor.CreatedAt) && u.ID < cursor.ID)
			if !older {
				continue
			}
		}
		out = append(out, u)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*User, error) {
	return m.mutate(ctx, id, entry, suspendMutation(reason))
}

func (m *MemoryStore) Reactivate(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return m.mutate(ctx, id, entry, reactivateMutation())
}

func (m *MemoryStore) Promote(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return m.mutate(ctx, id, entry, promoteMutation())
}

func (m *MemoryStore) Demote(ctx context.Context, id string, entry *audit.Entry) (*User, error) {
	return m.mutate(ctx, id, entry, demoteMutation())
}

func (m *MemoryStore) mutate(ctx context.Context, id string, entry *audit.Entry, mut mutation) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if mut.removesAdmin(cur) && m.activeAdminsLocked() <= 1 {
		return nil, ErrLastSuperAdmin
	}

	next := *cur
	now := m.now()
	if err := mut.apply(&next, entry, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now

	if entry != nil && m.journal != nil {
		if err := m.journal.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	m.users[id] = &next
	cp := next
	return &cp, nil
}

func (m *MemoryStore) CountActiveSuperAdmins(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAdminsLocked(), nil
}

func (m *MemoryStore) activeAdminsLocked() int {
	n := 0
	for _, u := range m.users {
		if u.IsActiveSuperAdmin() {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
