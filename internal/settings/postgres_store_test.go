//go:build integration

package settings

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/testutil"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSettings_DefaultsThenApply(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	st, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Defaults().SupportEmail, st.SupportEmail)

	patch, err := Parse(map[string]json.RawMessage{
		"default_tier":            json.RawMessage(`"starter"`),
		"max_workspaces_per_user": json.RawMessage(`10`),
	})
	require.NoError(t, err)

	entry := audit.NewEntry("usr_admin", audit.ActionSystemSettingsUpdated, audit.Target{Type: audit.TargetSystem, ID: "settings"}, nil)
	updated, err := store.Apply(ctx, patch, "usr_admin", entry)
	require.NoError(t, err)
	assert.Equal(t, workspace.TierStarter, updated.DefaultTier)

	reloaded, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, workspace.TierStarter, reloaded.DefaultTier)
	assert.Equal(t, 10, reloaded.MaxWorkspacesPerUser)
	assert.Equal(t, "usr_admin", reloaded.UpdatedBy)

	entries, err := audit.NewPostgresStore(db).List(ctx, audit.Filter{Action: audit.ActionSystemSettingsUpdated}, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	changes := entries[0].Metadata["changes"].(map[string]interface{})
	assert.Contains(t, changes, "default_tier")
	assert.Contains(t, changes, "max_workspaces_per_user")
}
