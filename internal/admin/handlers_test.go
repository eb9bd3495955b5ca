package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/quota"
	"github.com/mbd888/campaignhq/internal/ratelimit"
	"github.com/mbd888/campaignhq/internal/settings"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionSecret       = "session-secret-for-tests-0123456789abcdef"
	testImpersonationSecret = "impersonation-secret-for-tests-0123456789"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router     *gin.Engine
	issuer     *auth.SessionIssuer
	signer     *impersonation.Signer
	journal    *audit.MemoryStore
	users      *user.MemoryStore
	workspaces *workspace.MemoryStore
	tokens     map[string]string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	journal := audit.NewMemoryStore()
	users := user.NewMemoryStore(journal)
	workspaces := workspace.NewMemoryStore(journal)
	st := settings.NewMemoryStore(journal)

	issuer, err := auth.NewSessionIssuer(testSessionSecret, time.Hour)
	require.NoError(t, err)
	signer, err := impersonation.NewSigner(testImpersonationSecret)
	require.NoError(t, err)

	now := time.Now()
	f := &fixture{
		issuer:     issuer,
		signer:     signer,
		journal:    journal,
		users:      users,
		workspaces: workspaces,
		tokens:     map[string]string{},
	}
	for _, u := range []*user.User{
		{ID: "usr_admin", Email: "admin@campaignhq.io", GlobalRole: user.RoleSuperAdmin},
		{ID: "usr_admin2", Email: "ops@campaignhq.io", GlobalRole: user.RoleSuperAdmin},
		{ID: "usr_owner", Email: "owner@acme.io", GlobalRole: user.RoleUser},
	} {
		u.CreatedAt, u.UpdatedAt = now, now
		require.NoError(t, users.Create(ctx, u))
		tok, err := issuer.Issue(u)
		require.NoError(t, err)
		f.tokens[u.ID] = tok
	}

	free := workspace.New("ws_free", "Corner Shop", "usr_owner", workspace.TierFree, now)
	pro := workspace.New("ws_pro", "Acme Marketing", "usr_owner", workspace.TierPro, now.Add(time.Second))
	pro.SubscriptionStatus = workspace.SubscriptionActive
	require.NoError(t, workspaces.Create(ctx, free))
	require.NoError(t, workspaces.Create(ctx, pro))

	store := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(store.Stop)
	limiter, err := ratelimit.New(ratelimit.DefaultConfig(), store)
	require.NoError(t, err)

	writer := audit.NewWriter(journal, signer)
	svc := NewService(users, workspaces, quota.NewService(workspaces), st, writer, signer)

	r := gin.New()
	group := r.Group("/admin", auth.Prefilter(issuer), auth.NewGuard(users).RequireSuperAdmin(), limiter.Middleware())
	NewHandler(svc, impersonation.CookieOptions{}).RegisterRoutes(group)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, as string, body interface{}, mod ...func(*http.Request)) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok := f.tokens[as]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for _, m := range mod {
		m(req)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func (f *fixture) entries(action audit.Action) []*audit.Entry {
	var out []*audit.Entry
	for _, e := range f.journal.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestAdminRoutes_DenyNonAdmins(t *testing.T) {
	f := setup(t)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/admin/users"},
		{http.MethodPost, "/admin/users/usr_admin/demote"},
		{http.MethodGet, "/admin/workspaces"},
		{http.MethodDelete, "/admin/workspaces/ws_free"},
		{http.MethodPost, "/admin/workspaces/ws_free/credits"},
		{http.MethodPost, "/admin/impersonation"},
		{http.MethodPatch, "/admin/settings"},
		{http.MethodGet, "/admin/metrics/billing"},
		{http.MethodGet, "/admin/audit-logs"},
	}
	for _, rt := range routes {
		w, resp := f.do(t, rt.method, rt.path, "usr_owner", nil)
		assert.Equal(t, http.StatusForbidden, w.Code, rt.path)
		assert.Equal(t, "forbidden", resp["error"], rt.path)

		w, _ = f.do(t, rt.method, rt.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, rt.path)
	}
	assert.Empty(t, f.journal.Entries())
}

func TestDeleteWorkspace_PaidNeedsConfirmation(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodDelete, "/admin/workspaces/ws_pro", "usr_admin", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "confirmation_required", resp["error"])
	assert.Equal(t, "pro", resp["tier"])
	assert.Equal(t, "active", resp["subscription_status"])

	ws, err := f.workspaces.Get(context.Background(), "ws_pro")
	require.NoError(t, err)
	assert.Nil(t, ws.DeletedAt)
	assert.Empty(t, f.entries(audit.ActionWorkspaceDeleted))

	w, _ = f.do(t, http.MethodDelete, "/admin/workspaces/ws_pro", "usr_admin", nil, func(r *http.Request) {
		r.Header.Set(ConfirmDeleteHeader, "true")
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ws, err = f.workspaces.Get(context.Background(), "ws_pro")
	require.NoError(t, err)
	assert.NotNil(t, ws.DeletedAt)

	deleted := f.entries(audit.ActionWorkspaceDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "usr_admin", deleted[0].ActorID)
	assert.Equal(t, "ws_pro", deleted[0].TargetID)
	assert.Equal(t, true, deleted[0].Metadata["confirmed"])

	w, _ = f.do(t, http.MethodDelete, "/admin/workspaces/ws_pro?confirm=true", "usr_admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteWorkspace_FreeNeedsNoConfirmation(t *testing.T) {
	f := setup(t)
	w, _ := f.do(t, http.MethodDelete, "/admin/workspaces/ws_free", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.entries(audit.ActionWorkspaceDeleted), 1)
}

func TestGrantCredits_AuditsAmountAndTotal(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/credits", "usr_admin", gin.H{"kind": "ai", "amount": 25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ws := resp["workspace"].(map[string]interface{})
	assert.Equal(t, float64(75), ws["aiCreditsRemaining"])

	grants := f.entries(audit.ActionWorkspaceCreditsAdded)
	require.Len(t, grants, 1)
	assert.Equal(t, "usr_admin", grants[0].ActorID)
	assert.Equal(t, int64(25), grants[0].Metadata["amount"])
	assert.Equal(t, int64(75), grants[0].Metadata["newTotal"])
	assert.NotNil(t, grants[0].Context())
}

func TestGrantCredits_RejectsBadInputWithoutMutation(t *testing.T) {
	f := setup(t)
	cases := []struct {
		body gin.H
		code string
	}{
		{gin.H{"kind": "ai", "amount": 0}, "invalid_amount"},
		{gin.H{"kind": "ai", "amount": -5}, "invalid_amount"},
		{gin.H{"kind": "sms", "amount": 5}, "invalid_credit_kind"},
	}
	for _, tc := range cases {
		w, resp := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/credits", "usr_admin", tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, tc.code, resp["error"])
	}
	ws, err := f.workspaces.Get(context.Background(), "ws_free")
	require.NoError(t, err)
	assert.Equal(t, int64(50), ws.AICreditsRemaining)
	assert.Empty(t, f.journal.Entries())
}

func TestChangePlan(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/plan", "usr_admin", gin.H{"tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_tier", resp["error"])

	w, resp = f.do(t, http.MethodPost, "/admin/workspaces/ws_free/plan", "usr_admin", gin.H{"tier": "starter"})
	require.Equal(t, http.StatusOK, w.Code)
	ws := resp["workspace"].(map[string]interface{})
	assert.Equal(t, "starter", ws["tier"])
	assert.Equal(t, float64(500), ws["aiCreditsRemaining"])
	assert.Len(t, f.entries(audit.ActionWorkspacePlanChanged), 1)
}

func TestSuspendWorkspace_RequiresReason(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/suspend", "usr_admin", gin.H{"reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])

	w, _ = f.do(t, http.MethodPost, "/admin/workspaces/ws_free/suspend", "usr_admin", gin.H{"reason": "spam complaints"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = f.do(t, http.MethodPost, "/admin/workspaces/ws_free/suspend", "usr_admin", gin.H{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_suspended", resp["error"])

	w, _ = f.do(t, http.MethodPost, "/admin/workspaces/ws_free/reactivate", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.entries(audit.ActionWorkspaceSuspended), 1)
	assert.Len(t, f.entries(audit.ActionWorkspaceReactivated), 1)
}

func TestUsers_SelfActionsRefused(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPost, "/admin/users/usr_admin/demote", "usr_admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "self_action", resp["error"])

	w, resp = f.do(t, http.MethodPost, "/admin/users/usr_admin/suspend", "usr_admin", gin.H{"reason": "testing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "self_action", resp["error"])
}

func TestUsers_DemoteThenGuardDenies(t *testing.T) {
	f := setup(t)

	w, _ := f.do(t, http.MethodPost, "/admin/users/usr_admin2/demote", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// usr_admin2's token still claims super_admin.
	w, resp := f.do(t, http.MethodGet, "/admin/users", "usr_admin2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp["error"])

	w, resp = f.do(t, http.MethodPost, "/admin/users/usr_owner/promote", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "super_admin", resp["user"].(map[string]interface{})["globalRole"])
}

func TestImpersonation_StartAndEnd(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPost, "/admin/impersonation", "usr_admin", gin.H{"workspaceId": "ws_pro"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["active"])

	var token, banner *http.Cookie
	for _, ck := range w.Result().Cookies() {
		switch ck.Name {
		case impersonation.TokenCookie:
			token = ck
		case impersonation.WorkspaceCookie:
			banner = ck
		}
	}
	require.NotNil(t, token)
	require.NotNil(t, banner)
	assert.True(t, token.HttpOnly)
	assert.False(t, banner.HttpOnly)
	assert.LessOrEqual(t, token.MaxAge, int(impersonation.MaxTTL.Seconds()))

	sess, ok := f.signer.Verify(token.Value)
	require.True(t, ok)
	assert.Equal(t, "usr_admin", sess.AdminID)
	assert.Equal(t, "ws_pro", sess.WorkspaceID)
	assert.Equal(t, "Acme Marketing", sess.WorkspaceName)
	require.Len(t, f.entries(audit.ActionImpersonationStarted), 1)

	withCookie := func(r *http.Request) { r.AddCookie(&http.Cookie{Name: token.Name, Value: token.Value}) }

	w, resp = f.do(t, http.MethodGet, "/admin/impersonation", "usr_admin", nil, withCookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["active"])

	w, _ = f.do(t, http.MethodDelete, "/admin/impersonation", "usr_admin", nil, withCookie)
	require.Equal(t, http.StatusOK, w.Code)
	cleared := map[string]bool{}
	for _, ck := range w.Result().Cookies() {
		if ck.MaxAge < 0 {
			cleared[ck.Name] = true
		}
	}
	assert.True(t, cleared[impersonation.TokenCookie])
	assert.True(t, cleared[impersonation.WorkspaceCookie])

	ended := f.entries(audit.ActionImpersonationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "ws_pro", ended[0].TargetID)
	assert.Equal(t, true, ended[0].Context()["impersonating"])

	// No server-side revocation: the old token verifies until it expires.
	again, ok := f.signer.Verify(token.Value)
	require.True(t, ok)
	assert.Equal(t, "ws_pro", again.WorkspaceID)
}

func TestImpersonation_UnknownWorkspace(t *testing.T) {
	f := setup(t)
	w, _ := f.do(t, http.MethodPost, "/admin/impersonation", "usr_admin", gin.H{"workspaceId": "ws_nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Empty(t, f.journal.Entries())
}

func TestSettings_InvalidPatchWritesNothing(t *testing.T) {
	f := setup(t)

	w, resp := f.do(t, http.MethodPatch, "/admin/settings", "usr_admin", gin.H{
		"maintenance_mode":        true,
		"max_workspaces_per_user": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])

	w, resp = f.do(t, http.MethodGet, "/admin/settings", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["settings"].(map[string]interface{})["maintenance_mode"])
	assert.Empty(t, f.journal.Entries())

	w, resp = f.do(t, http.MethodPatch, "/admin/settings", "usr_admin", gin.H{"maintenance_mode": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["settings"].(map[string]interface{})["maintenance_mode"])

	updates := f.entries(audit.ActionSystemSettingsUpdated)
	require.Len(t, updates, 1)
	changes := updates[0].Metadata["changes"].(map[string]interface{})
	assert.Contains(t, changes, "maintenance_mode")
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	_, err := f.workspaces.ConsumeAICredits(context.Background(), "ws_pro", 40)
	require.NoError(t, err)

	w, resp := f.do(t, http.MethodGet, "/admin/metrics/ai-usage?top=5", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usage := resp["usage"].(map[string]interface{})
	assert.Equal(t, float64(40), usage["totalAiCreditsUsed"])

	w, resp = f.do(t, http.MethodGet, "/admin/metrics/billing", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	billing := resp["billing"].(map[string]interface{})
	assert.Equal(t, float64(4900), billing["monthlyRevenueCents"])
}

func TestAuditLogs_FilterAndPaginate(t *testing.T) {
	f := setup(t)
	for i := 0; i < 3; i++ {
		w, _ := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/reset-limits", "usr_admin", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := f.do(t, http.MethodPost, "/admin/workspaces/ws_free/health", "usr_admin", gin.H{"health": "warning"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := f.do(t, http.MethodGet, "/admin/audit-logs?action=WORKSPACE_LIMITS_RESET&limit=2", "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["entries"], 2)
	assert.Equal(t, true, resp["has_more"])
	next := resp["next_cursor"].(string)
	require.NotEmpty(t, next)

	w, resp = f.do(t, http.MethodGet, "/admin/audit-logs?action=WORKSPACE_LIMITS_RESET&limit=2&cursor="+next, "usr_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["entries"], 1)
	assert.Equal(t, false, resp["has_more"])

	w, resp = f.do(t, http.MethodGet, "/admin/audit-logs?action=WORKSPACE_RENAMED", "usr_admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_action", resp["error"])

	w, _ = f.do(t, http.MethodGet, "/admin/audit-logs?cursor=garbage", "usr_admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes_RateLimited(t *testing.T) {
	f := setup(t)
	for i := 0; i < 20; i++ {
		w, _ := f.do(t, http.MethodGet, "/admin/settings", "usr_admin", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w, resp := f.do(t, http.MethodGet, "/admin/settings", "usr_admin", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_exceeded", resp["error"])

	// Buckets are per admin.
	w, _ = f.do(t, http.MethodGet, "/admin/settings", "usr_admin2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
