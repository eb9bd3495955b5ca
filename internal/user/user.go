// Package user holds principals and their global role.
//
// At least one active (non-suspended) super_admin must exist at all times.
// Stores enforce this inside the same atomic operation that demotes or
// suspends, so two concurrent demotions cannot both observe a count of two.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/pagination"
)

var (
	ErrNotFound          = errors.New("user: not found")
	ErrEmailTaken        = errors.New("user: email already registered")
	ErrLastSuperAdmin    = errors.New("user: cannot remove the last active super_admin")
	ErrAlreadySuspended  = errors.New("user: already suspended")
	ErrNotSuspended      = errors.New("user: not suspended")
	ErrAlreadySuperAdmin = errors.New("user: already a super_admin")
	ErrNotSuperAdmin     = errors.New("user: not a super_admin")
	ErrInvalidRole       = errors.New("user: invalid role")
)

// Role is a global role.
type Role string

const (
	RoleUser       Role = "user"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleSuperAdmin:
		return r, nil
	}
	return "", ErrInvalidRole
}

// User is a principal.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	GlobalRole       Role       `json:"globalRole"`
	IsSuspended      bool       `json:"isSuspended"`
	SuspendedAt      *time.Time `json:"suspendedAt,omitempty"`
	SuspensionReason string     `json:"suspensionReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsSuperAdmin reports the stored role. Suspension is checked separately.
func (u *User) IsSuperAdmin() bool {
	return u.GlobalRole == RoleSuperAdmin
}

// IsActiveSuperAdmin reports a super_admin that is not suspended.
func (u *User) IsActiveSuperAdmin() bool {
	return u.IsSuperAdmin() && !u.IsSuspended
}

// NormalizeEmail lowercases and trims an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ListFilter narrows admin listings.
type ListFilter struct {
	Query     string // email or name substring
	Role      Role
	Suspended *bool
}

// Store is the typed data-access layer for users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, f ListFilter, cursor *pagination.Cursor, limit int) ([]*User, error)

	// Suspend and Demote fail with ErrLastSuperAdmin when the target is the
	// only active super_admin. Each persists entry with the change.
	Suspend(ctx context.Context, id, reason string, entry *audit.Entry) (*User, error)
	Reactivate(ctx context.Context, id string, entry *audit.Entry) (*User, error)
	Promote(ctx context.Context, id string, entry *audit.Entry) (*User, error)
	Demote(ctx context.Context, id string, entry *audit.Entry) (*User, error)

	CountActiveSuperAdmins(ctx context.Context) (int, error)
}

// mutation changes a loaded user. removesAdmin reports whether applying it
// would take an active super_admin out of the active set.
type mutation struct {
	apply        func(u *User, entry *audit.Entry, now time.Time) error
	removesAdmin func(u *User) bool
}

func setMeta(entry *audit.Entry, kv ...interface{}) {
	if entry == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		entry.Metadata[kv[i].(string)] = kv[i+1]
	}
}

func suspendMutation(reason string) mutation {
	return mutation{
		apply: func(u *User, entry *audit.Entry, now time.Time) error {
			if u.IsSuspended {
				return ErrAlreadySuspended
			}
			t := now
			u.IsSuspended = true
			u.SuspendedAt = &t
			u.SuspensionReason = strings.TrimSpace(reason)
			setMeta(entry, "email", u.Email, "reason", u.SuspensionReason, "role", string(u.GlobalRole))
			return nil
		},
		removesAdmin: (*User).IsActiveSuperAdmin,
	}
}

func reactivateMutation() mutation {
	return mutation{
		apply: func(u *User, entry *audit.Entry, _ time.Time) error {
			if !u.IsSuspended {
				return ErrNotSuspended
			}
			setMeta(entry, "email", u.Email, "previousReason", u.SuspensionReason)
			u.IsSuspended = false
			u.SuspendedAt = nil
			u.SuspensionReason = ""
			return nil
		},
		removesAdmin: func(*User) bool { return false },
	}
}

func promoteMutation() mutation {
	return mutation{
		apply: func(u *User, entry *audit.Entry, _ time.Time) error {
			if u.IsSuperAdmin() {
				return ErrAlreadySuperAdmin
			}
			setMeta(entry, "email", u.Email, "previousRole", string(u.GlobalRole), "newRole", string(RoleSuperAdmin))
			u.GlobalRole = RoleSuperAdmin
			return nil
		},
		removesAdmin: func(*User) bool { return false },
	}
}

func demoteMutation() mutation {
	return mutation{
		apply: func(u *User, entry *audit.Entry, _ time.Time) error {
			if !u.IsSuperAdmin() {
				return ErrNotSuperAdmin
			}
			setMeta(entry, "email", u.Email, "previousRole", string(u.GlobalRole), "newRole", string(RoleUser))
			u.GlobalRole = RoleUser
			return nil
		},
		removesAdmin: (*User).IsActiveSuperAdmin,
	}
}
