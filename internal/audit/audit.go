// Package audit is the append-only record of privileged and state-changing
// actions. Entries are never updated or deleted by the application.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/campaignhq/internal/idgen"
	"github.com/mbd888/campaignhq/internal/pagination"
)

var (
	ErrInvalidAction = errors.New("audit: unknown action type")
	ErrInvalidEntry  = errors.New("audit: actor, action and target are required")
)

// ActionSetVersion is bumped whenever an Action is added. Adding an action is
// a code change, never configuration.
const ActionSetVersion = 1

// Action is a closed set of audited event types.
type Action string

const (
	ActionWorkspaceSuspended    Action = "WORKSPACE_SUSPENDED"
	ActionWorkspaceReactivated  Action = "WORKSPACE_REACTIVATED"
	ActionWorkspaceDeleted      Action = "WORKSPACE_DELETED"
	ActionWorkspacePlanChanged  Action = "WORKSPACE_PLAN_CHANGED"
	ActionWorkspaceCreditsAdded Action = "WORKSPACE_CREDITS_ADDED"
	ActionWorkspaceLimitsReset  Action = "WORKSPACE_LIMITS_RESET"
	ActionWorkspaceHealthChange Action = "WORKSPACE_HEALTH_CHANGED"

	ActionUserSuspended   Action = "USER_SUSPENDED"
	ActionUserReactivated Action = "USER_REACTIVATED"
	ActionUserPromoted    Action = "USER_PROMOTED"
	ActionUserDemoted     Action = "USER_DEMOTED"

	ActionBillingSubscriptionUpdated  Action = "BILLING_SUBSCRIPTION_UPDATED"
	ActionBillingSubscriptionCanceled Action = "BILLING_SUBSCRIPTION_CANCELED"

	ActionSystemSettingsUpdated Action = "SYSTEM_SETTINGS_UPDATED"

	ActionImpersonationStarted Action = "IMPERSONATION_STARTED"
	ActionImpersonationEnded   Action = "IMPERSONATION_ENDED"
)

var actions = map[Action]bool{
	ActionWorkspaceSuspended:          true,
	ActionWorkspaceReactivated:        true,
	ActionWorkspaceDeleted:            true,
	ActionWorkspacePlanChanged:        true,
	ActionWorkspaceCreditsAdded:       true,
	ActionWorkspaceLimitsReset:        true,
	ActionWorkspaceHealthChange:       true,
	ActionUserSuspended:               true,
	ActionUserReactivated:             true,
	ActionUserPromoted:                true,
	ActionUserDemoted:                 true,
	ActionBillingSubscriptionUpdated:  true,
	ActionBillingSubscriptionCanceled: true,
	ActionSystemSettingsUpdated:       true,
	ActionImpersonationStarted:        true,
	ActionImpersonationEnded:          true,
}

// ValidAction reports whether a is part of the closed action set.
func ValidAction(a Action) bool {
	return actions[a]
}

// TargetType names the kind of record an action was applied to.
type TargetType string

const (
	TargetWorkspace TargetType = "workspace"
	TargetUser      TargetType = "user"
	TargetSystem    TargetType = "system"
	TargetBilling   TargetType = "billing"
)

// Target identifies the record an action was applied to.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// ContextKey is the metadata key holding request context.
const ContextKey = "_context"

// SystemActorStripe is the actor id recorded for billing provider events.
const SystemActorStripe = "system:stripe"

// Entry is one immutable audit record.
type Entry struct {
	ID         string                 `json:"id"`
	ActorID    string                 `json:"actorId"`
	Action     Action                 `json:"action"`
	TargetType TargetType             `json:"targetType"`
	TargetID   string                 `json:"targetId"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// NewEntry builds an entry with a fresh id and timestamp.
func NewEntry(actorID string, action Action, target Target, metadata map[string]interface{}) *Entry {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &Entry{
		ID:         idgen.WithPrefix(idgen.PrefixAudit),
		ActorID:    actorID,
		Action:     action,
		TargetType: target.Type,
		TargetID:   target.ID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the entry can be appended.
func (e *Entry) Validate() error {
	if e == nil || e.ActorID == "" || e.TargetType == "" {
		return ErrInvalidEntry
	}
	if !ValidAction(e.Action) {
		return ErrInvalidAction
	}
	return nil
}

// Context returns the request context captured on the entry, if any.
func (e *Entry) Context() map[string]interface{} {
	if ctx, ok := e.Metadata[ContextKey].(map[string]interface{}); ok {
		return ctx
	}
	return nil
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	ActorID    string
	Action     Action
	TargetType TargetType
	TargetID   string
	Since      time.Time
	Until      time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.TargetType != "" && e.TargetType != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns up to limit entries newest first, strictly after cursor.
	List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error)
}

// Execer is satisfied by *sql.DB and *sql.Tx, letting other stores append an
// entry inside the transaction that applies the audited mutation.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
