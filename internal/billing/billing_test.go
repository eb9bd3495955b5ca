package billing

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
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testWebhookSecret = "whsec_test_campaignhq"

func setupWebhook(t *testing.T) (*gin.Engine, *workspace.MemoryStore, *audit.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	journal := audit.NewMemoryStore()
	store := workspace.NewMemoryStore(journal)
	require.NoError(t, store.Create(context.Background(),
		workspace.New("ws_1", "Acme", "usr_owner", workspace.TierFree, time.Now())))

	signer, err := impersonation.NewSigner("impersonation-secret-for-tests-0123456789")
	require.NoError(t, err)

	r := gin.New()
	NewHandler(store, audit.NewWriter(journal, signer), testWebhookSecret).RegisterRoutes(r.Group(""))
	return r, store, journal
}

func subscriptionEvent(t *testing.T, id, eventType, status, tier string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "sub_123",
				"object":   "subscription",
				"customer": "cus_123",
				"status":   status,
				"metadata": map[string]string{
					MetadataTier:        tier,
					MetadataWorkspaceID: "ws_1",
				},
			},
		},
	})
	require.NoError(t, err)
	return b
}

func post(r *gin.Engine, payload []byte, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	r, store, journal := setupWebhook(t)
	payload := subscriptionEvent(t, "evt_1", eventSubscriptionCreated, "active", "pro")

	w := post(r, payload, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ws, err := store.Get(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, workspace.TierFree, ws.Tier)
	assert.Empty(t, journal.Entries())
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	r, store, journal := setupWebhook(t)
	ctx := context.Background()

	w := post(r, subscriptionEvent(t, "evt_1", eventSubscriptionCreated, "active", "pro"), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ws, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, workspace.TierPro, ws.Tier)
	assert.Equal(t, workspace.SubscriptionActive, ws.SubscriptionStatus)
	assert.Equal(t, "cus_123", ws.StripeCustomerID)
	assert.Equal(t, "sub_123", ws.StripeSubscriptionID)
	assert.Equal(t, int64(2000), ws.AICreditsRemaining)

	w = post(r, subscriptionEvent(t, "evt_2", eventSubscriptionDeleted, "canceled", "pro"), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	ws, err = store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, workspace.TierFree, ws.Tier)
	assert.Equal(t, workspace.SubscriptionCanceled, ws.SubscriptionStatus)

	entries := journal.Entries()
	require.Len(t, entries, 2)
	actions := []audit.Action{entries[0].Action, entries[1].Action}
	assert.ElementsMatch(t, []audit.Action{
		audit.ActionBillingSubscriptionUpdated,
		audit.ActionBillingSubscriptionCanceled,
	}, actions)
	for _, e := range entries {
		assert.Equal(t, audit.SystemActorStripe, e.ActorID)
		assert.Equal(t, "ws_1", e.TargetID)
	}
}

func TestWebhook_UnknownTierFailsClosed(t *testing.T) {
	r, store, _ := setupWebhook(t)

	w := post(r, subscriptionEvent(t, "evt_1", eventSubscriptionUpdated, "active", "platinum"), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	ws, err := store.Get(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, workspace.TierFree, ws.Tier)
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	r, _, journal := setupWebhook(t)
	payload, err := json.Marshal(map[string]interface{}{
		"id":   "evt_9",
		"type": "invoice.paid",
		"data": map[string]interface{}{"object": map[string]interface{}{"id": "in_1"}},
	})
	require.NoError(t, err)

	w := post(r, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["handled"])
	assert.Empty(t, journal.Entries())
}
