// Package settings holds platform-wide system settings: a closed set of keys
// with typed values.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/validation"
	"github.com/mbd888/campaignhq/internal/workspace"
)

var ErrEmptyPatch = errors.New("settings: no changes")

// Key names a setting.
type Key string

const (
	KeyMaintenanceMode      Key = "maintenance_mode"
	KeySignupsEnabled       Key = "signups_enabled"
	KeyDefaultTier          Key = "default_tier"
	KeyMaxWorkspacesPerUser Key = "max_workspaces_per_user"
	KeySupportEmail         Key = "support_email"
)

// Settings is the full settings document.
type Settings struct {
	MaintenanceMode      bool           `json:"maintenance_mode"`
	SignupsEnabled       bool           `json:"signups_enabled"`
	DefaultTier          workspace.Tier `json:"default_tier"`
	MaxWorkspacesPerUser int            `json:"max_workspaces_per_user"`
	SupportEmail         string         `json:"support_email"`
	UpdatedAt            *time.Time     `json:"updated_at,omitempty"`
	UpdatedBy            string         `json:"updated_by,omitempty"`
}

// Defaults are the values of keys never written.
func Defaults() Settings {
	return Settings{
		MaintenanceMode:      false,
		SignupsEnabled:       true,
		DefaultTier:          workspace.TierFree,
		MaxWorkspacesPerUser: 3,
		SupportEmail:         "support@campaignhq.io",
	}
}

// Change is one validated key/value pair.
type Change struct {
	Key   Key
	Value interface{}
}

// Patch is a validated, non-empty set of changes.
type Patch []Change

// Store persists settings.
type Store interface {
	Get(ctx context.Context) (*Settings, error)
	// Apply writes every change and entry atomically.
	Apply(ctx context.Context, p Patch, actorID string, entry *audit.Entry) (*Settings, error)
}

// Parse validates a raw JSON patch. Any invalid key or value rejects the whole
// patch; the returned errors name every offending key.
func Parse(raw map[string]json.RawMessage) (Patch, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPatch
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		patch Patch
		errs  validation.ValidationErrors
	)
	for _, k := range keys {
		v, err := parseValue(Key(k), raw[k])
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: k, Message: err.Error()})
			continue
		}
		patch = append(patch, Change{Key: Key(k), Value: v})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return patch, nil
}

func parseValue(k Key, raw json.RawMessage) (interface{}, error) {
	switch k {
	case KeyMaintenanceMode, KeySignupsEnabled:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, errors.New("must be a boolean")
		}
		return b, nil
	case KeyDefaultTier:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.New("must be a tier name")
		}
		tier, err := workspace.ParseTier(s)
		if err != nil {
			return nil, errors.New("unknown tier")
		}
		return tier, nil
	case KeyMaxWorkspacesPerUser:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f != math.Trunc(f) {
			return nil, errors.New("must be an integer")
		}
		if f < 1 || f > 100 {
			return nil, errors.New("must be between 1 and 100")
		}
		return int(f), nil
	case KeySupportEmail:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.New("must be a string")
		}
		s = strings.TrimSpace(s)
		if !validation.IsValidEmail(s) {
			return nil, errors.New("must be a valid email address")
		}
		return s, nil
	}
	return nil, errors.New("unknown setting")
}

// Apply sets the changes on s.
func (p Patch) Apply(s *Settings) {
	for _, c := range p {
		set(s, c.Key, c.Value)
	}
}

// Metadata describes the patch for the audit entry: previous and new values
// per key.
func (p Patch) Metadata(before *Settings) map[string]interface{} {
	changes := make(map[string]interface{}, len(p))
	for _, c := range p {
		changes[string(c.Key)] = map[string]interface{}{
			"from": get(before, c.Key),
			"to":   c.Value,
		}
	}
	return map[string]interface{}{"changes": changes}
}

// describe records the patch on entry against the values it replaces.
func describe(entry *audit.Entry, p Patch, before *Settings) {
	if entry == nil {
		return
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	for k, v := range p.Metadata(before) {
		entry.Metadata[k] = v
	}
}

func set(s *Settings, k Key, v interface{}) {
	switch k {
	case KeyMaintenanceMode:
		s.MaintenanceMode = v.(bool)
	case KeySignupsEnabled:
		s.SignupsEnabled = v.(bool)
	case KeyDefaultTier:
		s.DefaultTier = v.(workspace.Tier)
	case KeyMaxWorkspacesPerUser:
		s.MaxWorkspacesPerUser = v.(int)
	case KeySupportEmail:
		s.SupportEmail = v.(string)
	}
}

func get(s *Settings, k Key) interface{} {
	switch k {
	case KeyMaintenanceMode:
		return s.MaintenanceMode
	case KeySignupsEnabled:
		return s.SignupsEnabled
	case KeyDefaultTier:
		return s.DefaultTier
	case KeyMaxWorkspacesPerUser:
		return s.MaxWorkspacesPerUser
	case KeySupportEmail:
		return s.SupportEmail
	}
	return nil
}

// encode returns the stored JSON value for a key.
func encode(s *Settings, k Key) (string, error) {
	b, err := json.Marshal(get(s, k))
	if err != nil {
		return "", fmt.Errorf("settings: encode %s: %w", k, err)
	}
	return string(b), nil
}

// decode loads a stored JSON value into s. Stored values failing validation
// are ignored so the default stays in effect.
func decode(s *Settings, k Key, raw []byte) {
	v, err := parseValue(k, raw)
	if err != nil {
		return
	}
	set(s, k, v)
}
