package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingPublisher struct{ got []*Entry }

func (r *recordingPublisher) PublishAudit(e *Entry) { r.got = append(r.got, e) }

func TestValidAction_ClosedSet(t *testing.T) {
	assert.True(t, ValidAction(ActionWorkspaceDeleted))
	assert.True(t, ValidAction(ActionImpersonationEnded))
	assert.False(t, ValidAction("WORKSPACE_RENAMED"))
	assert.False(t, ValidAction(""))
}

func TestMemoryStore_RejectsInvalidEntries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Append(ctx, NewEntry("usr_1", "NOT_AN_ACTION", Target{TargetUser, "usr_2"}, nil))
	assert.ErrorIs(t, err, ErrInvalidAction)

	err = store.Append(ctx, NewEntry("", ActionUserPromoted, Target{TargetUser, "usr_2"}, nil))
	assert.ErrorIs(t, err, ErrInvalidEntry)

	assert.Empty(t, store.Entries())
}

func TestMemoryStore_AppendIsImmutable(t *testing.T) {
	store := NewMemoryStore()
	e := NewEntry("usr_1", ActionUserPromoted, Target{TargetUser, "usr_2"}, map[string]interface{}{"k": "v"})
	require.NoError(t, store.Append(context.Background(), e))

	e.Metadata["k"] = "mutated"
	got := store.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, "v", got[0].Metadata["k"])
}

func TestMemoryStore_ListNewestFirstWithCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := NewEntry("usr_admin", ActionWorkspaceSuspended, Target{TargetWorkspace, "ws_1"}, nil)
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Append(ctx, e))
	}
	other := NewEntry("usr_other", ActionUserPromoted, Target{TargetUser, "usr_2"}, nil)
	other.CreatedAt = base.Add(time.Hour)
	require.NoError(t, store.Append(ctx, other))

	page, err := store.List(ctx, Filter{Action: ActionWorkspaceSuspended}, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, base.Add(4*time.Minute), page[0].CreatedAt)
	assert.Equal(t, base.Add(2*time.Minute), page[2].CreatedAt)

	last := page[len(page)-1]
	rest, err := store.List(ctx, Filter{Action: ActionWorkspaceSuspended}, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, base.Add(time.Minute), rest[0].CreatedAt)

	byActor, err := store.List(ctx, Filter{ActorID: "usr_other"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, ActionUserPromoted, byActor[0].Action)
}

func TestWriter_FromRequestCapturesContext(t *testing.T) {
	signer, err := impersonation.NewSigner("writer-test-secret-0123456789abcdef")
	require.NoError(t, err)
	w := NewWriter(NewMemoryStore(), signer)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/workspaces/ws_1/suspend", nil)
	c.Request.Header.Set("User-Agent", "console/1.0")
	c.Request.RemoteAddr = "203.0.113.7:5555"

	e := w.FromRequest(c, "usr_admin", ActionWorkspaceSuspended, Target{TargetWorkspace, "ws_1"}, map[string]interface{}{"reason": "abuse"})
	ctx := e.Context()
	require.NotNil(t, ctx)
	assert.Equal(t, "203.0.113.7", ctx["ip"])
	assert.Equal(t, "console/1.0", ctx["userAgent"])
	assert.Equal(t, false, ctx["impersonating"])
	assert.Equal(t, "abuse", e.Metadata["reason"])
}

func TestWriter_FromRequestReportsImpersonation(t *testing.T) {
	signer, err := impersonation.NewSigner("writer-test-secret-0123456789abcdef")
	require.NoError(t, err)
	w := NewWriter(NewMemoryStore(), signer)

	sess := signer.Issue("usr_admin", "admin@example.com", "ws_9", "Nine")
	token, err := signer.Sign(sess)
	require.NoError(t, err)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	c.Request.AddCookie(&http.Cookie{Name: impersonation.TokenCookie, Value: token})

	e := w.FromRequest(c, "usr_admin", ActionWorkspaceCreditsAdded, Target{TargetWorkspace, "ws_9"}, nil)
	assert.Equal(t, true, e.Context()["impersonating"])
	assert.Equal(t, "ws_9", e.Context()["impersonatedWorkspaceId"])

	// A token minted for another admin does not mark this actor as impersonating.
	e = w.FromRequest(c, "usr_someone_else", ActionWorkspaceCreditsAdded, Target{TargetWorkspace, "ws_9"}, nil)
	assert.Equal(t, false, e.Context()["impersonating"])
}

func TestWriter_RecordPublishesAfterAppend(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	w := NewWriter(store, nil).WithPublisher(pub)

	e := NewEntry("usr_admin", ActionImpersonationStarted, Target{TargetWorkspace, "ws_1"}, nil)
	require.NoError(t, w.Record(context.Background(), e))
	assert.Len(t, store.Entries(), 1)
	require.Len(t, pub.got, 1)

	bad := NewEntry("usr_admin", "BOGUS", Target{TargetWorkspace, "ws_1"}, nil)
	assert.Error(t, w.Record(context.Background(), bad))
	assert.Len(t, pub.got, 1, "failed appends are not published")
}
