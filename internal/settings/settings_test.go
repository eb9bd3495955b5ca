package settings

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/validation"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawPatch(t *testing.T, body string) map[string]json.RawMessage {
	t.Helper()
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func TestParse_ValidPatch(t *testing.T) {
	p, err := Parse(rawPatch(t, `{"maintenance_mode":true,"default_tier":"Pro","max_workspaces_per_user":10,"support_email":"help@x.io"}`))
	require.NoError(t, err)
	require.Len(t, p, 4)

	s := Defaults()
	p.Apply(&s)
	assert.True(t, s.MaintenanceMode)
	assert.Equal(t, workspace.TierPro, s.DefaultTier)
	assert.Equal(t, 10, s.MaxWorkspacesPerUser)
	assert.Equal(t, "help@x.io", s.SupportEmail)
}

func TestParse_RejectsWholePatchOnAnyInvalidKey(t *testing.T) {
	cases := map[string]string{
		"unknown key":  `{"maintenance_mode":true,"theme":"dark"}`,
		"wrong type":   `{"signups_enabled":"yes"}`,
		"unknown tier": `{"default_tier":"platinum"}`,
		"fractional":   `{"max_workspaces_per_user":2.5}`,
		"out of range": `{"max_workspaces_per_user":101}`,
		"bad email":    `{"support_email":"nobody"}`,
		"empty":        `{}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := Parse(rawPatch(t, body))
			assert.Error(t, err)
			assert.Nil(t, p)
		})
	}

	_, err := Parse(rawPatch(t, `{"theme":"dark","default_tier":"gold"}`))
	var verrs validation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.Equal(t, "default_tier", verrs[0].Field)
}

func TestMemoryStore_ApplyRecordsAudit(t *testing.T) {
	ctx := context.Background()
	journal := audit.NewMemoryStore()
	store := NewMemoryStore(journal)

	before, err := store.Get(ctx)
	require.NoError(t, err)
	p, err := Parse(rawPatch(t, `{"signups_enabled":false}`))
	require.NoError(t, err)

	entry := audit.NewEntry("usr_admin", audit.ActionSystemSettingsUpdated,
		audit.Target{Type: audit.TargetSystem, ID: "settings"}, p.Metadata(before))
	after, err := store.Apply(ctx, p, "usr_admin", entry)
	require.NoError(t, err)
	assert.False(t, after.SignupsEnabled)
	assert.Equal(t, "usr_admin", after.UpdatedBy)
	require.NotNil(t, after.UpdatedAt)

	entries := journal.Entries()
	require.Len(t, entries, 1)
	changes := entries[0].Metadata["changes"].(map[string]interface{})
	change := changes["signups_enabled"].(map[string]interface{})
	assert.Equal(t, true, change["from"])
	assert.Equal(t, false, change["to"])
}

func TestMemoryStore_FailedAuditWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(audit.NewMemoryStore())
	p, err := Parse(rawPatch(t, `{"maintenance_mode":true}`))
	require.NoError(t, err)

	_, err = store.Apply(ctx, p, "usr_admin", audit.NewEntry("usr_admin", "BOGUS", audit.Target{Type: audit.TargetSystem, ID: "settings"}, nil))
	assert.ErrorIs(t, err, audit.ErrInvalidAction)

	got, _ := store.Get(ctx)
	assert.False(t, got.MaintenanceMode)
}

func TestDecode_IgnoresCorruptStoredValues(t *testing.T) {
	s := Defaults()
	decode(&s, KeyMaxWorkspacesPerUser, []byte(`"lots"`))
	decode(&s, KeyDefaultTier, []byte(`"enterprise"`))
	assert.Equal(t, 3, s.MaxWorkspacesPerUser)
	assert.Equal(t, workspace.TierEnterprise, s.DefaultTier)

	v, err := encode(&s, KeyDefaultTier)
	require.NoError(t, err)
	assert.Equal(t, `"enterprise"`, v)
}
