// Package billing applies Stripe subscription webhooks to workspaces.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/metrics"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// MaxPayloadSize bounds webhook bodies.
const MaxPayloadSize = 65536

// MetadataTier and MetadataWorkspaceID are the subscription metadata keys
// set at checkout.
const (
	MetadataTier        = "tier"
	MetadataWorkspaceID = "workspace_id"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

var ErrUnknownCustomer = errors.New("billing: no workspace for customer")

// Handler verifies and applies Stripe webhook events.
type Handler struct {
	store     workspace.Store
	audit     *audit.Writer
	secret    string
	tolerance time.Duration
}

// NewHandler creates a webhook handler signed with secret.
func NewHandler(store workspace.Store, w *audit.Writer, secret string) *Handler {
	return &Handler{store: store, audit: w, secret: secret, tolerance: webhook.DefaultTolerance}
}

// RegisterRoutes mounts POST /webhooks/stripe. It is unauthenticated; the
// signature is the credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/stripe
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil || len(payload) > MaxPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook payload too large",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{Tolerance: h.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		logging.L(c.Request.Context()).Warn("stripe webhook rejected", "error", err)
		metrics.StripeWebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	log := logging.L(c.Request.Context()).With("event_id", event.ID, "event_type", string(event.Type))
	switch string(event.Type) {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
	default:
		log.Debug("stripe event ignored")
		metrics.StripeWebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	var sub stripe.Subscription
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &sub) != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed subscription object",
		})
		return
	}

	w, err := h.apply(c, event, &sub)
	switch {
	case errors.Is(err, ErrUnknownCustomer), errors.Is(err, workspace.ErrNotFound):
		// Retrying cannot fix an unknown customer; acknowledge so Stripe stops.
		log.Warn("stripe event for unknown workspace", "subscription_id", sub.ID)
		metrics.StripeWebhookEventsTotal.WithLabelValues(string(event.Type), "unknown_customer").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
	case err != nil:
		log.Error("stripe event failed", "error", err)
		metrics.StripeWebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply event",
		})
	default:
		log.Info("subscription updated", "workspace_id", w.ID, "status", w.SubscriptionStatus, "tier", w.Tier)
		metrics.StripeWebhookEventsTotal.WithLabelValues(string(event.Type), "handled").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": true})
	}
}

func (h *Handler) apply(c *gin.Context, event stripe.Event, sub *stripe.Subscription) (*workspace.Workspace, error) {
	ctx := c.Request.Context()
	ws, err := h.resolve(ctx, sub)
	if err != nil {
		return nil, err
	}

	update := UpdateFromSubscription(sub)
	action := audit.ActionBillingSubscriptionUpdated
	if string(event.Type) == eventSubscriptionDeleted {
		update.Status = workspace.SubscriptionCanceled
		action = audit.ActionBillingSubscriptionCanceled
	}

	entry := h.audit.FromRequest(c, audit.SystemActorStripe, action,
		audit.Target{Type: audit.TargetWorkspace, ID: ws.ID},
		map[string]interface{}{
			"eventId":        event.ID,
			"eventType":      string(event.Type),
			"subscriptionId": sub.ID,
		})
	w, err := h.store.UpdateSubscription(ctx, ws.ID, update, entry)
	if err != nil {
		return nil, fmt.Errorf("billing: apply %s: %w", event.ID, err)
	}
	h.audit.Committed(ctx, entry)
	return w, nil
}

// resolve finds the workspace by customer id, falling back to the
// workspace_id metadata set at checkout for a customer's first event.
func (h *Handler) resolve(ctx context.Context, sub *stripe.Subscription) (*workspace.Workspace, error) {
	if sub.Customer != nil && sub.Customer.ID != "" {
		w, err := h.store.GetByStripeCustomer(ctx, sub.Customer.ID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, workspace.ErrNotFound) {
			return nil, err
		}
	}
	if id := sub.Metadata[MetadataWorkspaceID]; id != "" {
		return h.store.Get(ctx, id)
	}
	return nil, ErrUnknownCustomer
}

// UpdateFromSubscription maps a Stripe subscription onto the workspace model.
// The tier comes from metadata and fails closed to free.
func UpdateFromSubscription(sub *stripe.Subscription) workspace.SubscriptionUpdate {
	u := workspace.SubscriptionUpdate{
		Status:         workspace.ParseSubscriptionStatus(string(sub.Status)),
		Tier:           workspace.PolicyFor(sub.Metadata[MetadataTier]).Tier,
		SubscriptionID: sub.ID,
	}
	if sub.Customer != nil {
		u.CustomerID = sub.Customer.ID
	}
	return u
}
