package workspace

import (
	"context"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

// Store is the typed data-access layer for workspaces. Every admin mutation
// takes the audit entry describing it and persists both atomically; the
// mutation may enrich entry metadata (e.g. resulting totals) before commit.
type Store interface {
	Create(ctx context.Context, w *Workspace) error
	// Get returns the workspace including soft-deleted ones.
	Get(ctx context.Context, id string) (*Workspace, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Workspace, error)
	List(ctx context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*Workspace, error)

	// ConsumeAICredits decrements the AI budget by n and increments the used
	// counter in one conditional update. It fails with ErrInsufficientCredits,
	// leaving the row untouched, when fewer than n credits remain.
	ConsumeAICredits(ctx context.Context, id string, n int64) (*Workspace, error)
	// ConsumeEmailCredits is ConsumeAICredits for the email send budget.
	ConsumeEmailCredits(ctx context.Context, id string, n int64) (*Workspace, error)

	GrantCredits(ctx context.Context, id string, kind CreditKind, n int64, entry *audit.Entry) (*Workspace, error)
	ResetLimits(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error)
	ChangeTier(ctx context.Context, id string, tier Tier, entry *audit.Entry) (*Workspace, error)
	Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*Workspace, error)
	Reactivate(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error)
	SetHealth(ctx context.Context, id string, h Health, entry *audit.Entry) (*Workspace, error)
	SoftDelete(ctx context.Context, id string, entry *audit.Entry) (*Workspace, error)
	UpdateSubscription(ctx context.Context, id string, u SubscriptionUpdate, entry *audit.Entry) (*Workspace, error)

	CountContacts(ctx context.Context, id string) (int64, error)
	CountAutomations(ctx context.Context, id string) (int64, error)

	UsageSummary(ctx context.Context, top int) (*UsageSummary, error)
	BillingSummary(ctx context.Context) (*BillingSummary, error)
}
