// Package workspace holds the tenant model, the tier policy table and the
// usage ledger (pre-decremented AI and email budgets) for campaignhq.
package workspace

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound            = errors.New("workspace: not found")
	ErrSuspended           = errors.New("workspace: suspended")
	ErrAlreadySuspended    = errors.New("workspace: already suspended")
	ErrNotSuspended        = errors.New("workspace: not suspended")
	ErrInsufficientCredits = errors.New("workspace: insufficient credits")
	ErrInvalidAmount       = errors.New("workspace: amount must be positive")
	ErrInvalidHealth       = errors.New("workspace: invalid health status")
	ErrInvalidCreditKind   = errors.New("workspace: invalid credit kind")
	ErrInvalidTier         = errors.New("workspace: unknown tier")
)

// Health is the operational standing of a workspace.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthWarning    Health = "warning"
	HealthRestricted Health = "restricted"
	HealthSuspended  Health = "suspended"
)

// ParseHealth validates a health value an admin may set directly.
// HealthSuspended is reserved for Suspend so a reason is always recorded.
func ParseHealth(s string) (Health, error) {
	switch h := Health(s); h {
	case HealthHealthy, HealthWarning, HealthRestricted:
		return h, nil
	default:
		return "", ErrInvalidHealth
	}
}

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "none"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// ParseSubscriptionStatus maps provider status strings; unknown statuses are
// treated as none.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch st := SubscriptionStatus(s); st {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return st
	case "unpaid", "incomplete":
		return SubscriptionPastDue
	case "incomplete_expired":
		return SubscriptionCanceled
	default:
		return SubscriptionNone
	}
}

// CreditKind selects which budget a grant tops up.
type CreditKind string

const (
	CreditAI    CreditKind = "ai"
	CreditEmail CreditKind = "email"
)

// ParseCreditKind validates a credit kind.
func ParseCreditKind(s string) (CreditKind, error) {
	switch k := CreditKind(s); k {
	case CreditAI, CreditEmail:
		return k, nil
	default:
		return "", ErrInvalidCreditKind
	}
}

// Workspace is a tenant.
type Workspace struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	OwnerID              string             `json:"ownerId"`
	Tier                 Tier               `json:"tier"`
	SubscriptionStatus   SubscriptionStatus `json:"subscriptionStatus"`
	StripeCustomerID     string             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string             `json:"stripeSubscriptionId,omitempty"`
	AICreditsRemaining   int64              `json:"aiCreditsRemaining"`
	EmailLimitRemaining  int64              `json:"emailLimitRemaining"`
	AICreditsUsed        int64              `json:"aiCreditsUsed"`
	EmailsSent           int64              `json:"emailsSent"`
	Health               Health             `json:"health"`
	SuspendedAt          *time.Time         `json:"suspendedAt,omitempty"`
	SuspensionReason     string             `json:"suspensionReason,omitempty"`
	DeletedAt            *time.Time         `json:"deletedAt,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// New builds a workspace on tier with budgets filled to the tier's caps.
func New(id, name, ownerID string, tier Tier, now time.Time) *Workspace {
	p := PolicyFor(string(tier))
	return &Workspace{
		ID:                  id,
		Name:                name,
		OwnerID:             ownerID,
		Tier:                p.Tier,
		SubscriptionStatus:  SubscriptionNone,
		AICreditsRemaining:  p.MonthlyAICredits,
		EmailLimitRemaining: p.MonthlyEmails,
		Health:              HealthHealthy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsDeleted reports whether the workspace has been soft-deleted.
func (w *Workspace) IsDeleted() bool {
	return w.DeletedAt != nil
}

// IsSuspended reports whether the workspace is suspended.
func (w *Workspace) IsSuspended() bool {
	return w.Health == HealthSuspended
}

// Usable returns nil when tenant-scoped operations may proceed.
func (w *Workspace) Usable() error {
	if w.IsDeleted() {
		return ErrNotFound
	}
	if w.IsSuspended() {
		return ErrSuspended
	}
	return nil
}

// HasPaidSubscription reports an active (or trialing/past-due) paid plan,
// the state in which deletion needs explicit confirmation.
func (w *Workspace) HasPaidSubscription() bool {
	if w.Tier == TierFree {
		return false
	}
	switch w.SubscriptionStatus {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	}
	return false
}

// resetBudgets refills both budgets to the current tier's caps.
func (w *Workspace) resetBudgets() {
	p := PolicyFor(string(w.Tier))
	w.AICreditsRemaining = p.MonthlyAICredits
	w.EmailLimitRemaining = p.MonthlyEmails
}

// ListFilter narrows admin listings.
type ListFilter struct {
	Query          string // case-insensitive name substring
	Tier           Tier
	Health         Health
	IncludeDeleted bool
}

// SubscriptionUpdate is a billing provider change applied to a workspace.
type SubscriptionUpdate struct {
	Status         SubscriptionStatus
	Tier           Tier
	CustomerID     string
	SubscriptionID string
}

// TierUsage aggregates usage for one tier.
type TierUsage struct {
	Workspaces    int   `json:"workspaces"`
	AICreditsUsed int64 `json:"aiCreditsUsed"`
	EmailsSent    int64 `json:"emailsSent"`
}

// TopConsumer is a workspace ranked by AI usage.
type TopConsumer struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Tier          Tier   `json:"tier"`
	AICreditsUsed int64  `json:"aiCreditsUsed"`
}

// UsageSummary is the aggregated AI/email usage across live workspaces.
type UsageSummary struct {
	TotalAICreditsUsed int64              `json:"totalAiCreditsUsed"`
	TotalEmailsSent    int64              `json:"totalEmailsSent"`
	ByTier             map[Tier]TierUsage `json:"byTier"`
	TopConsumers       []TopConsumer      `json:"topConsumers"`
}

// BillingSummary aggregates subscriptions across live workspaces.
type BillingSummary struct {
	ByTier              map[Tier]int               `json:"byTier"`
	ByStatus            map[SubscriptionStatus]int `json:"byStatus"`
	PayingWorkspaces    int                        `json:"payingWorkspaces"`
	MonthlyRevenueCents int64                      `json:"monthlyRevenueCents"`
}
