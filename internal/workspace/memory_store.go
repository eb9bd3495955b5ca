package workspace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

// MemoryStore is an in-memory workspace store for development and tests.
// Audit entries go to journal under the same lock as the mutation.
type MemoryStore struct {
	mu          sync.RWMutex
	workspaces  map[string]*Workspace
	contacts    map[string]int64
	automations map[string]int64
	journal     audit.Store
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory workspace store.
func NewMemoryStore(journal audit.Store) *MemoryStore {
	return &MemoryStore{
		workspaces:  make(map[string]*Workspace),
		contacts:    make(map[string]int64),
		automations: make(map[string]int64),
		journal:     journal,
		now:         time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workspaces[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workspaces {
		if customerID != "" && w.StripeCustomerID == customerID && !w.IsDeleted() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*Workspace, error) {
	m.mu.RLock()
	var all []*Workspace
	q := strings.ToLower(strings.TrimSpace(f.Query))
	for _, w := range m.workspaces {
		if w.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		if f.Tier != "" && w.Tier != f.Tier {
			continue
		}
		if f.Health != "" && w.Health != f.Health {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(w.Name), q) {
			continue
		}
		cp := *w
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]*Workspace, 0, limit)
	for _, w := range all {
		if cursor != nil {
			older := w.CreatedAt.Before(cursor.CreatedAt) ||
				(w.CreatedAt.Equal(cursor.CreatedAt) && w.ID < cursor.ID)
			if !older {
				continue
			}
		}
		out = append(out, w)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ConsumeAICredits(_ context.Context, id string, n int64) (*Workspace, error) {
	return m.consume(id, n, func(w *Workspace) *int64 { return &w.AICreditsRemaining }, func(w *Workspace) *int64 { return &w.AICreditsUsed })
}

func (m *MemoryStore) ConsumeEmailCredits(_ context.Context, id string, n int64) (*Workspace, error) {
	return m.consume(id, n, func(w *Workspace) *int64 { return &w.EmailLimitRemaining }, func(w *Workspace) *int64 { return &w.EmailsSent })
}

func (m *MemoryStore) consume(id string, n int64, remaining, used func(*Workspace) *int64) (*Workspace, error) {
	if n <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := w.Usable(); err != nil {
		return nil, err
	}
	if *remaining(w) < n {
		return nil, ErrInsufficientCredits
	}
	*remaining(w) -= n
	*used(w) += n
	w.UpdatedAt = m.now()
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GrantCredits(ctx context.Context, id string, kind CreditKind, n int64, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, grantMutation(kind, n))
}

func (m *MemoryStore) ResetLimits(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, resetMutation())
}

func (m *MemoryStore) ChangeTier(ctx context.Context, id string, tier Tier, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, tierMutation(tier))
}

func (m *MemoryStore) Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, suspendMutation(reason))
}

func (m *MemoryStore) Reactivate(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, reactivateMutation())
}

func (m *MemoryStore) SetHealth(ctx context.Context, id string, h Health, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, healthMutation(h))
}

func (m *MemoryStore) SoftDelete(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, deleteMutation())
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, id string, u SubscriptionUpdate, entry *audit.Entry) (*Workspace, error) {
	return m.mutate(ctx, id, entry, subscriptionMutation(u))
}

// mutate applies fn to a copy, appends the entry, then publishes the copy.
// A failed append leaves the workspace unchanged.
func (m *MemoryStore) mutate(ctx context.Context, id string, entry *audit.Entry, fn mutation) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.workspaces[id]
	if !ok || cur.IsDeleted() {
		return nil, ErrNotFound
	}
	next := *cur
	now := m.now()
	if err := fn(&next, entry, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now

	if entry != nil && m.journal != nil {
		if err := m.journal.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	m.workspaces[id] = &next
	cp := next
	return &cp, nil
}

func (m *MemoryStore) CountContacts(_ context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contacts[id], nil
}

func (m *MemoryStore) CountAutomations(_ context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.automations[id], nil
}

// SetContactCount seeds the live contact count for a workspace.
func (m *MemoryStore) SetContactCount(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id] = n
}

// SetAutomationCount seeds the live automation-campaign count for a workspace.
func (m *MemoryStore) SetAutomationCount(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[id] = n
}

func (m *MemoryStore) UsageSummary(_ context.Context, top int) (*UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &UsageSummary{ByTier: make(map[Tier]TierUsage)}
	var consumers []TopConsumer
	for _, w := range m.workspaces {
		if w.IsDeleted() {
			continue
		}
		s.TotalAICreditsUsed += w.AICreditsUsed
		s.TotalEmailsSent += w.EmailsSent
		tu := s.ByTier[w.Tier]
		tu.Workspaces++
		tu.AICreditsUsed += w.AICreditsUsed
		tu.EmailsSent += w.EmailsSent
		s.ByTier[w.Tier] = tu
		consumers = append(consumers, TopConsumer{ID: w.ID, Name: w.Name, Tier: w.Tier, AICreditsUsed: w.AICreditsUsed})
	}
	sort.Slice(consumers, func(i, j int) bool {
		if consumers[i].AICreditsUsed != consumers[j].AICreditsUsed {
			return consumers[i].AICreditsUsed > consumers[j].AICreditsUsed
		}
		return consumers[i].ID < consumers[j].ID
	})
	if top >= 0 && len(consumers) > top {
		consumers = consumers[:top]
	}
	s.TopConsumers = consumers
	return s, nil
}

func (m *MemoryStore) BillingSummary(_ context.Context) (*BillingSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &BillingSummary{
		ByTier:   make(map[Tier]int),
		ByStatus: make(map[SubscriptionStatus]int),
	}
	for _, w := range m.workspaces {
		if w.IsDeleted() {
			continue
		}
		s.ByTier[w.Tier]++
		s.ByStatus[w.SubscriptionStatus]++
		if w.SubscriptionStatus == SubscriptionActive && w.Tier != TierFree {
			s.PayingWorkspaces++
			s.MonthlyRevenueCents += PolicyFor(string(w.Tier)).MonthlyPriceCents
		}
	}
	return s, nil
}

var _ Store = (*MemoryStore)(nil)
