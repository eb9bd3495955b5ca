// Package admin provides the privileged back-office surface: user and
// workspace moderation, impersonation, system settings, metrics and the audit
// trail. Every route runs behind auth.Guard.RequireSuperAdmin and the admin
// rate limiter; nothing here re-checks roles on its own.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/metrics"
	"github.com/mbd888/campaignhq/internal/quota"
	"github.com/mbd888/campaignhq/internal/settings"
	"github.com/mbd888/campaignhq/internal/traces"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/mbd888/campaignhq/internal/workspace"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSelfAction           = errors.New("admin: cannot perform this action on your own account")
	ErrConfirmationRequired = errors.New("admin: confirmation required")
)

// ConfirmationError describes the paid subscription a delete would end.
type ConfirmationError struct {
	WorkspaceID        string
	Tier               workspace.Tier
	SubscriptionStatus workspace.SubscriptionStatus
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("admin: workspace %s has an %s %s subscription", e.WorkspaceID, e.SubscriptionStatus, e.Tier)
}

func (e *ConfirmationError) Unwrap() error { return ErrConfirmationRequired }

// Service runs admin operations. Mutations take the audit entry describing
// them; stores persist entry and change together, and the service publishes
// the entry only after that commit.
type Service struct {
	users      user.Store
	workspaces workspace.Store
	quota      *quota.Service
	settings   settings.Store
	audit      *audit.Writer
	signer     *impersonation.Signer
}

// NewService wires the admin service.
func NewService(users user.Store, workspaces workspace.Store, q *quota.Service, st settings.Store, w *audit.Writer, signer *impersonation.Signer) *Service {
	return &Service{
		users:      users,
		workspaces: workspaces,
		quota:      q,
		settings:   st,
		audit:      w,
		signer:     signer,
	}
}

// committed publishes entry once the mutation it describes is durable.
func (s *Service) committed(ctx context.Context, entry *audit.Entry, err error) error {
	if err != nil {
		return err
	}
	s.audit.Committed(ctx, entry)
	return nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, entry *audit.Entry, err error) error {
	if err != nil {
		traces.RecordError(span, err)
	}
	return s.committed(ctx, entry, err)
}

// --- users ---

func (s *Service) SuspendUser(ctx context.Context, actor *user.User, id, reason string, entry *audit.Entry) (*user.User, error) {
	if actor.ID == id {
		return nil, ErrSelfAction
	}
	ctx, span := traces.StartSpan(ctx, "admin.user.suspend", traces.ActorID(actor.ID))
	defer span.End()
	u, err := s.users.Suspend(ctx, id, reason, entry)
	return u, s.finish(ctx, span, entry, err)
}

func (s *Service) ReactivateUser(ctx context.Context, id string, entry *audit.Entry) (*user.User, error) {
	u, err := s.users.Reactivate(ctx, id, entry)
	return u, s.committed(ctx, entry, err)
}

func (s *Service) PromoteUser(ctx context.Context, id string, entry *audit.Entry) (*user.User, error) {
	u, err := s.users.Promote(ctx, id, entry)
	return u, s.committed(ctx, entry, err)
}

// DemoteUser removes super_admin. Demoting oneself is refused even when
// other admins remain.
func (s *Service) DemoteUser(ctx context.Context, actor *user.User, id string, entry *audit.Entry) (*user.User, error) {
	if actor.ID == id {
		return nil, ErrSelfAction
	}
	ctx, span := traces.StartSpan(ctx, "admin.user.demote", traces.ActorID(actor.ID))
	defer span.End()
	u, err := s.users.Demote(ctx, id, entry)
	return u, s.finish(ctx, span, entry, err)
}

// --- workspaces ---

// WorkspaceDetail is a workspace with its live quota picture. Usage is nil
// for suspended workspaces.
type WorkspaceDetail struct {
	Workspace *workspace.Workspace `json:"workspace"`
	Policy    workspace.Policy     `json:"policy"`
	Usage     *quota.Summary       `json:"usage,omitempty"`
}

func (s *Service) Workspace(ctx context.Context, id string) (*WorkspaceDetail, error) {
	w, err := s.workspaces.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &WorkspaceDetail{Workspace: w, Policy: workspace.PolicyFor(string(w.Tier))}
	if w.Usable() == nil {
		if d.Usage, err = s.quota.Summary(ctx, id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *Service) SuspendWorkspace(ctx context.Context, id, reason string, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.Suspend(ctx, id, reason, entry)
	return w, s.committed(ctx, entry, err)
}

func (s *Service) ReactivateWorkspace(ctx context.Context, id string, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.Reactivate(ctx, id, entry)
	return w, s.committed(ctx, entry, err)
}

func (s *Service) ChangePlan(ctx context.Context, id string, tier workspace.Tier, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.ChangeTier(ctx, id, tier, entry)
	return w, s.committed(ctx, entry, err)
}

// GrantCredits tops up a budget. The entry records the amount and the
// resulting total.
func (s *Service) GrantCredits(ctx context.Context, id string, kind workspace.CreditKind, n int64, entry *audit.Entry) (*workspace.Workspace, error) {
	ctx, span := traces.StartSpan(ctx, "admin.workspace.grant", traces.WorkspaceID(id), traces.Amount(n))
	defer span.End()
	w, err := s.workspaces.GrantCredits(ctx, id, kind, n, entry)
	return w, s.finish(ctx, span, entry, err)
}

func (s *Service) ResetLimits(ctx context.Context, id string, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.ResetLimits(ctx, id, entry)
	return w, s.committed(ctx, entry, err)
}

func (s *Service) SetHealth(ctx context.Context, id string, h workspace.Health, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.SetHealth(ctx, id, h, entry)
	return w, s.committed(ctx, entry, err)
}

// DeleteWorkspace soft-deletes a workspace. A paid subscription needs
// confirmed; without it the call returns a *ConfirmationError and changes
// nothing.
func (s *Service) DeleteWorkspace(ctx context.Context, id string, confirmed bool, entry *audit.Entry) (*workspace.Workspace, error) {
	w, err := s.workspaces.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.IsDeleted() {
		return nil, workspace.ErrNotFound
	}
	if w.HasPaidSubscription() && !confirmed {
		return nil, &ConfirmationError{WorkspaceID: w.ID, Tier: w.Tier, SubscriptionStatus: w.SubscriptionStatus}
	}
	entry.Metadata["confirmed"] = confirmed
	w, err = s.workspaces.SoftDelete(ctx, id, entry)
	return w, s.committed(ctx, entry, err)
}

// --- impersonation ---

// StartImpersonation issues a signed grant for actor to view workspace id.
// Suspended workspaces may be impersonated; deleted ones may not.
func (s *Service) StartImpersonation(ctx context.Context, actor *user.User, id string, entry *audit.Entry) (string, *impersonation.Session, error) {
	w, err := s.workspaces.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if w.IsDeleted() {
		return "", nil, workspace.ErrNotFound
	}

	sess := s.signer.Issue(actor.ID, actor.Email, w.ID, w.Name)
	token, err := s.signer.Sign(sess)
	if err != nil {
		return "", nil, err
	}
	entry.Metadata["workspaceName"] = w.Name
	entry.Metadata["expiresAt"] = sess.Expiry().UTC()
	if err := s.audit.Record(ctx, entry); err != nil {
		return "", nil, err
	}
	metrics.ImpersonationEventsTotal.WithLabelValues("started").Inc()
	return token, &sess, nil
}

// EndImpersonation records the end of sess. The token itself stays valid
// until it expires; only the caller's cookies are cleared.
func (s *Service) EndImpersonation(ctx context.Context, sess *impersonation.Session, entry *audit.Entry) error {
	entry.Metadata["workspaceName"] = sess.WorkspaceName
	if err := s.audit.Record(ctx, entry); err != nil {
		return err
	}
	metrics.ImpersonationEventsTotal.WithLabelValues("ended").Inc()
	return nil
}

// --- settings ---

func (s *Service) Settings(ctx context.Context) (*settings.Settings, error) {
	return s.settings.Get(ctx)
}

// UpdateSettings applies a validated patch. The entry gains the previous and
// new value of every key.
func (s *Service) UpdateSettings(ctx context.Context, actor *user.User, p settings.Patch, entry *audit.Entry) (*settings.Settings, error) {
	st, err := s.settings.Apply(ctx, p, actor.ID, entry)
	return st, s.committed(ctx, entry, err)
}

// --- metrics ---

func (s *Service) AIUsage(ctx context.Context, top int) (*workspace.UsageSummary, error) {
	return s.workspaces.UsageSummary(ctx, top)
}

func (s *Service) Billing(ctx context.Context) (*workspace.BillingSummary, error) {
	return s.workspaces.BillingSummary(ctx)
}
