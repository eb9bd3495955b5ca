// Package quota composes the tier policy table with the usage ledger into
// allow/deny decisions per resource.
//
// AI and email budgets are pre-decremented counters: Check* is a pure read,
// and Consume* is a single conditional decrement at the storage layer, so
// concurrent consumers can never overspend. Contacts and automations are
// counted live against the tier cap.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/campaignhq/internal/metrics"
	"github.com/mbd888/campaignhq/internal/traces"
	"github.com/mbd888/campaignhq/internal/workspace"
)

var ErrUnknownResource = errors.New("quota: unknown resource")

// Resource is a metered tenant resource.
type Resource string

const (
	ResourceAI          Resource = "ai"
	ResourceEmail       Resource = "email"
	ResourceContacts    Resource = "contacts"
	ResourceAutomations Resource = "automations"
)

// Resources lists every metered resource in display order.
var Resources = []Resource{ResourceAI, ResourceEmail, ResourceContacts, ResourceAutomations}

// ParseResource validates a resource name.
func ParseResource(s string) (Resource, error) {
	switch r := Resource(s); r {
	case ResourceAI, ResourceEmail, ResourceContacts, ResourceAutomations:
		return r, nil
	}
	return "", ErrUnknownResource
}

// Denial codes, stable for client upsell prompts.
const (
	CodeAILimitReached         = "AI_LIMIT_REACHED"
	CodeEmailLimitReached      = "EMAIL_LIMIT_REACHED"
	CodeContactLimitReached    = "CONTACT_LIMIT_REACHED"
	CodeAutomationLimitReached = "AUTOMATION_LIMIT_REACHED"
)

// UsageCheck is a fresh, never-persisted quota verdict. Limit is the tier cap
// and is reported whether or not the request is allowed.
type UsageCheck struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Summary is every resource checked with n=1.
type Summary struct {
	WorkspaceID string                   `json:"workspaceId"`
	Tier        workspace.Tier           `json:"tier"`
	Checks      map[Resource]*UsageCheck `json:"checks"`
}

// Service answers quota questions for workspaces.
type Service struct {
	store workspace.Store
}

// NewService creates a quota service over the workspace store.
func NewService(store workspace.Store) *Service {
	return &Service{store: store}
}

// Check reports whether workspace id may use n more units of r. Suspended or
// deleted workspaces return an error, not a verdict.
func (s *Service) Check(ctx context.Context, id string, r Resource, n int64) (*UsageCheck, error) {
	ctx, span := traces.StartSpan(ctx, "quota.check", traces.WorkspaceID(id), traces.Resource(string(r)), traces.Amount(n))
	defer span.End()

	check, err := s.check(ctx, id, r, n)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Allowed(check.Allowed))
	metrics.ObserveQuota(string(r), "check", check.Allowed)
	return check, nil
}

func (s *Service) check(ctx context.Context, id string, r Resource, n int64) (*UsageCheck, error) {
	if n <= 0 {
		return nil, workspace.ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.Usable(); err != nil {
		return nil, err
	}

	switch r {
	case ResourceAI, ResourceEmail:
		return budgetCheck(w, r, n), nil
	case ResourceContacts:
		count, err := s.store.CountContacts(ctx, id)
		if err != nil {
			return nil, err
		}
		return countCheck(w, r, count, n), nil
	case ResourceAutomations:
		count, err := s.store.CountAutomations(ctx, id)
		if err != nil {
			return nil, err
		}
		return countCheck(w, r, count, n), nil
	}
	return nil, ErrUnknownResource
}

func (s *Service) CheckAI(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.Check(ctx, id, ResourceAI, n)
}

func (s *Service) CheckEmail(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.Check(ctx, id, ResourceEmail, n)
}

func (s *Service) CheckContacts(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.Check(ctx, id, ResourceContacts, n)
}

func (s *Service) CheckAutomations(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.Check(ctx, id, ResourceAutomations, n)
}

// ConsumeAI spends n AI credits. Insufficient budget yields a denied
// UsageCheck and a nil error; nothing is decremented in that case.
func (s *Service) ConsumeAI(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.consume(ctx, id, ResourceAI, n, s.store.ConsumeAICredits)
}

// ConsumeEmail spends n email sends. See ConsumeAI.
func (s *Service) ConsumeEmail(ctx context.Context, id string, n int64) (*UsageCheck, error) {
	return s.consume(ctx, id, ResourceEmail, n, s.store.ConsumeEmailCredits)
}

type consumeFunc func(ctx context.Context, id string, n int64) (*workspace.Workspace, error)

func (s *Service) consume(ctx context.Context, id string, r Resource, n int64, fn consumeFunc) (*UsageCheck, error) {
	ctx, span := traces.StartSpan(ctx, "quota.consume", traces.WorkspaceID(id), traces.Resource(string(r)), traces.Amount(n))
	defer span.End()

	w, err := fn(ctx, id, n)
	if errors.Is(err, workspace.ErrInsufficientCredits) {
		cur, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			traces.RecordError(span, getErr)
			return nil, getErr
		}
		// The decrement failed; a grant landing before the re-read must not
		// turn this into an allowed verdict.
		check := budgetCheck(cur, r, n)
		if check.Allowed {
			check.Allowed = false
			deny(check, workspace.PolicyFor(string(cur.Tier)), r)
		}
		span.SetAttributes(traces.Allowed(false))
		metrics.ObserveQuota(string(r), "consume", false)
		return check, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	p := workspace.PolicyFor(string(w.Tier))
	check := &UsageCheck{Allowed: true, Remaining: remainingOf(w, r), Limit: limitOf(p, r)}
	span.SetAttributes(traces.Allowed(true))
	metrics.ObserveQuota(string(r), "consume", true)
	return check, nil
}

// Summary checks every resource with n=1.
func (s *Service) Summary(ctx context.Context, id string) (*Summary, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Summary{
		WorkspaceID: w.ID,
		Tier:        workspace.PolicyFor(string(w.Tier)).Tier,
		Checks:      make(map[Resource]*UsageCheck, len(Resources)),
	}
	for _, r := range Resources {
		check, err := s.Check(ctx, id, r, 1)
		if err != nil {
			return nil, err
		}
		out.Checks[r] = check
	}
	return out, nil
}

func budgetCheck(w *workspace.Workspace, r Resource, n int64) *UsageCheck {
	p := workspace.PolicyFor(string(w.Tier))
	remaining := remainingOf(w, r)
	check := &UsageCheck{
		Allowed:   remaining >= n,
		Remaining: remaining,
		Limit:     limitOf(p, r),
	}
	if !check.Allowed {
		deny(check, p, r)
	}
	return check
}

func countCheck(w *workspace.Workspace, r Resource, count, n int64) *UsageCheck {
	p := workspace.PolicyFor(string(w.Tier))
	limit := limitOf(p, r)
	if limit == workspace.Unlimited {
		return &UsageCheck{Allowed: true, Remaining: workspace.Unlimited, Limit: workspace.Unlimited}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	check := &UsageCheck{
		Allowed:   count+n <= limit,
		Remaining: remaining,
		Limit:     limit,
	}
	if !check.Allowed {
		deny(check, p, r)
	}
	return check
}

func remainingOf(w *workspace.Workspace, r Resource) int64 {
	if r == ResourceEmail {
		return w.EmailLimitRemaining
	}
	return w.AICreditsRemaining
}

func limitOf(p workspace.Policy, r Resource) int64 {
	switch r {
	case ResourceAI:
		return p.MonthlyAICredits
	case ResourceEmail:
		return p.MonthlyEmails
	case ResourceContacts:
		return p.MaxContacts
	default:
		return p.MaxAutomations
	}
}

func deny(check *UsageCheck, p workspace.Policy, r Resource) {
	switch r {
	case ResourceAI:
		check.Code = CodeAILimitReached
		check.Reason = fmt.Sprintf("You've used your AI credits for this month. The %s plan includes %d credits per month.", p.DisplayName, p.MonthlyAICredits)
	case ResourceEmail:
		check.Code = CodeEmailLimitReached
		check.Reason = fmt.Sprintf("You've reached your email limit for this month. The %s plan includes %d emails per month.", p.DisplayName, p.MonthlyEmails)
	case ResourceContacts:
		check.Code = CodeContactLimitReached
		check.Reason = fmt.Sprintf("You've reached the contact limit. The %s plan allows up to %d contacts.", p.DisplayName, p.MaxContacts)
	case ResourceAutomations:
		check.Code = CodeAutomationLimitReached
		check.Reason = fmt.Sprintf("You've reached the automation limit. The %s plan allows up to %d automation workflows.", p.DisplayName, p.MaxAutomations)
	}
}
