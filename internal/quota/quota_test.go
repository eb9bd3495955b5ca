package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, tier workspace.Tier) (*Service, *workspace.MemoryStore) {
	t.Helper()
	store := workspace.NewMemoryStore(audit.NewMemoryStore())
	w := workspace.New("ws_1", "Acme", "usr_owner", tier, time.Now())
	require.NoError(t, store.Create(context.Background(), w))
	return NewService(store), store
}

// drainAI leaves the workspace with exactly left AI credits.
func drainAI(t *testing.T, s *workspace.MemoryStore, left int64) {
	t.Helper()
	w, err := s.Get(context.Background(), "ws_1")
	require.NoError(t, err)
	_, err = s.ConsumeAICredits(context.Background(), "ws_1", w.AICreditsRemaining-left)
	require.NoError(t, err)
}

func TestParseResource(t *testing.T) {
	for _, r := range Resources {
		got, err := ParseResource(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseResource("sms")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestCheckAI_FiveCreditsScenario(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierFree)
	drainAI(t, store, 5)
	before, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)

	check, err := svc.CheckAI(ctx, "ws_1", 3)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(5), check.Remaining)
	assert.Equal(t, int64(50), check.Limit)

	consumed, err := svc.ConsumeAI(ctx, "ws_1", 3)
	require.NoError(t, err)
	assert.True(t, consumed.Allowed)
	assert.Equal(t, int64(2), consumed.Remaining)

	after, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.AICreditsRemaining)
	assert.Equal(t, before.AICreditsUsed+3, after.AICreditsUsed)

	check, err = svc.CheckAI(ctx, "ws_1", 3)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, CodeAILimitReached, check.Code)
	assert.Contains(t, check.Reason, "Free")
	assert.Contains(t, check.Reason, "50")
	assert.Equal(t, int64(2), check.Remaining)
	assert.Equal(t, int64(50), check.Limit)
}

func TestConsumeAI_DeniedWhenExhausted(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierFree)
	drainAI(t, store, 0)

	denied, err := svc.ConsumeAI(ctx, "ws_1", 1)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, CodeAILimitReached, denied.Code)
	assert.Equal(t, int64(0), denied.Remaining)
}

// grantAfterFailStore fails the decrement, then lets a grant commit before
// the service re-reads the workspace.
type grantAfterFailStore struct {
	*workspace.MemoryStore
	grant int64
}

func (g *grantAfterFailStore) ConsumeAICredits(ctx context.Context, id string, n int64) (*workspace.Workspace, error) {
	w, err := g.MemoryStore.ConsumeAICredits(ctx, id, n)
	if err != nil {
		_, grantErr := g.MemoryStore.GrantCredits(ctx, id, workspace.CreditAI, g.grant,
			audit.NewEntry("usr_admin", audit.ActionWorkspaceCreditsAdded,
				audit.Target{Type: audit.TargetWorkspace, ID: id}, nil))
		if grantErr != nil {
			return nil, grantErr
		}
	}
	return w, err
}

func TestConsumeAI_GrantRacingFailedDecrementStaysDenied(t *testing.T) {
	ctx := context.Background()
	_, mem := newTestService(t, workspace.TierFree)
	drainAI(t, mem, 0)
	before, err := mem.Get(ctx, "ws_1")
	require.NoError(t, err)

	svc := NewService(&grantAfterFailStore{MemoryStore: mem, grant: 100})
	check, err := svc.ConsumeAI(ctx, "ws_1", 10)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, CodeAILimitReached, check.Code)
	assert.NotEmpty(t, check.Reason)
	assert.Equal(t, int64(100), check.Remaining)

	after, err := mem.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, before.AICreditsUsed, after.AICreditsUsed)
	assert.Equal(t, int64(100), after.AICreditsRemaining)
}

func TestCheck_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierStarter)

	for i := 0; i < 10; i++ {
		check, err := svc.CheckEmail(ctx, "ws_1", 100)
		require.NoError(t, err)
		assert.True(t, check.Allowed)
	}
	w, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.EmailLimitRemaining)
	assert.Equal(t, int64(0), w.EmailsSent)
}

func TestCheck_RejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService(t, workspace.TierFree)
	_, err := svc.CheckAI(context.Background(), "ws_1", 0)
	assert.ErrorIs(t, err, workspace.ErrInvalidAmount)
	_, err = svc.ConsumeEmail(context.Background(), "ws_1", -3)
	assert.ErrorIs(t, err, workspace.ErrInvalidAmount)
}

func TestCheckContacts(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierFree)
	store.SetContactCount("ws_1", 499)

	check, err := svc.CheckContacts(ctx, "ws_1", 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(1), check.Remaining)

	check, err = svc.CheckContacts(ctx, "ws_1", 2)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, CodeContactLimitReached, check.Code)
	assert.Equal(t, int64(500), check.Limit)
}

func TestCheckAutomations_UnlimitedTier(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierEnterprise)
	store.SetAutomationCount("ws_1", 10000)

	check, err := svc.CheckAutomations(ctx, "ws_1", 50)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, workspace.Unlimited, check.Limit)
}

func TestCheckAutomations_Cap(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierFree)
	store.SetAutomationCount("ws_1", 1)

	check, err := svc.CheckAutomations(ctx, "ws_1", 1)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, CodeAutomationLimitReached, check.Code)
	assert.Equal(t, int64(0), check.Remaining)
}

func TestCheck_SuspendedWorkspace(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierPro)
	_, err := store.Suspend(ctx, "ws_1", "abuse", audit.NewEntry("usr_admin", audit.ActionWorkspaceSuspended,
		audit.Target{Type: audit.TargetWorkspace, ID: "ws_1"}, nil))
	require.NoError(t, err)

	_, err = svc.CheckAI(ctx, "ws_1", 1)
	assert.ErrorIs(t, err, workspace.ErrSuspended)
	_, err = svc.ConsumeEmail(ctx, "ws_1", 1)
	assert.ErrorIs(t, err, workspace.ErrSuspended)
}

func TestConsume_ConcurrentNeverOverspends(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, workspace.TierFree)
	drainAI(t, store, 10)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check, err := svc.ConsumeAI(ctx, "ws_1", 1)
			if err == nil && check.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	w, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.AICreditsRemaining)
}

func TestSummary(t *testing.T) {
	svc, store := newTestService(t, workspace.TierStarter)
	store.SetContactCount("ws_1", 2500)

	sum, err := svc.Summary(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, workspace.TierStarter, sum.Tier)
	require.Len(t, sum.Checks, 4)
	assert.True(t, sum.Checks[ResourceAI].Allowed)
	assert.True(t, sum.Checks[ResourceEmail].Allowed)
	assert.False(t, sum.Checks[ResourceContacts].Allowed)
	assert.True(t, sum.Checks[ResourceAutomations].Allowed)
}
