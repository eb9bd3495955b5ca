package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/pagination"
	"github.com/mbd888/campaignhq/internal/settings"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/mbd888/campaignhq/internal/validation"
	"github.com/mbd888/campaignhq/internal/workspace"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxCreditGrant  = 1_000_000

	// ConfirmDeleteHeader must be "true" to delete a workspace with a paid
	// subscription.
	ConfirmDeleteHeader = "X-Confirm-Delete"
)

// Streamer serves the live audit feed.
type Streamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	service *Service
	audit   *audit.Writer
	signer  *impersonation.Signer
	cookies impersonation.CookieOptions
	stream  Streamer
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service, cookies impersonation.CookieOptions) *Handler {
	return &Handler{
		service: service,
		audit:   service.audit,
		signer:  service.signer,
		cookies: cookies,
	}
}

// WithStream enables GET /admin/audit-logs/stream.
func (h *Handler) WithStream(s Streamer) *Handler {
	h.stream = s
	return h
}

// RegisterRoutes sets up admin routes on a group already mounted at /admin
// behind the guard and rate limiter.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware()

	r.GET("/users", h.listUsers)
	r.GET("/users/:id", ids, h.getUser)
	r.POST("/users/:id/suspend", ids, h.suspendUser)
	r.POST("/users/:id/reactivate", ids, h.reactivateUser)
	r.POST("/users/:id/promote", ids, h.promoteUser)
	r.POST("/users/:id/demote", ids, h.demoteUser)

	r.GET("/workspaces", h.listWorkspaces)
	r.GET("/workspaces/:id", ids, h.getWorkspace)
	r.POST("/workspaces/:id/suspend", ids, h.suspendWorkspace)
	r.POST("/workspaces/:id/reactivate", ids, h.reactivateWorkspace)
	r.POST("/workspaces/:id/plan", ids, h.changePlan)
	r.POST("/workspaces/:id/credits", ids, h.grantCredits)
	r.POST("/workspaces/:id/reset-limits", ids, h.resetLimits)
	r.POST("/workspaces/:id/health", ids, h.setHealth)
	r.DELETE("/workspaces/:id", ids, h.deleteWorkspace)

	r.GET("/impersonation", h.getImpersonation)
	r.POST("/impersonation", h.startImpersonation)
	r.DELETE("/impersonation", h.endImpersonation)

	r.GET("/settings", h.getSettings)
	r.PATCH("/settings", h.patchSettings)

	r.GET("/metrics/ai-usage", h.aiUsage)
	r.GET("/metrics/billing", h.billing)

	r.GET("/audit-logs", h.listAuditLogs)
	if h.stream != nil {
		r.GET("/audit-logs/stream", h.streamAuditLogs)
	}
}

// actor returns the admin loaded by the guard.
func actor(c *gin.Context) *user.User {
	u, _ := auth.CurrentUser(c)
	return u
}

func (h *Handler) entry(c *gin.Context, action audit.Action, targetType audit.TargetType, targetID string) *audit.Entry {
	return h.audit.FromRequest(c, actor(c).ID, action, audit.Target{Type: targetType, ID: targetID}, nil)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// bindReason reads a required suspension reason.
func bindReason(c *gin.Context) (string, bool) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return "", false
	}
	reason := strings.TrimSpace(req.Reason)
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		writeError(c, errs)
		return "", false
	}
	return validation.SanitizeString(reason, validation.MaxReasonLength), true
}

func invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

// --- users ---

func (h *Handler) listUsers(c *gin.Context) {
	cursor, limit, ok := pageParams(c)
	if !ok {
		return
	}
	f := user.ListFilter{Query: strings.TrimSpace(c.Query("q"))}
	if raw := c.Query("role"); raw != "" {
		role, err := user.ParseRole(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": "role must be user or super_admin"})
			return
		}
		f.Role = role
	}
	if raw := c.Query("suspended"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			invalidRequest(c, "suspended must be true or false")
			return
		}
		f.Suspended = &b
	}

	users, err := h.service.users.List(c.Request.Context(), f, cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(users, limit, func(u *user.User) (time.Time, string) { return u.CreatedAt, u.ID })
	c.JSON(http.StatusOK, gin.H{"users": page, "next_cursor": next, "has_more": more})
}

func (h *Handler) getUser(c *gin.Context) {
	u, err := h.service.users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

func (h *Handler) suspendUser(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	id := c.Param("id")
	u, err := h.service.SuspendUser(c.Request.Context(), actor(c), id, reason, h.entry(c, audit.ActionUserSuspended, audit.TargetUser, id))
	respondUser(c, u, err)
}

func (h *Handler) reactivateUser(c *gin.Context) {
	id := c.Param("id")
	u, err := h.service.ReactivateUser(c.Request.Context(), id, h.entry(c, audit.ActionUserReactivated, audit.TargetUser, id))
	respondUser(c, u, err)
}

func (h *Handler) promoteUser(c *gin.Context) {
	id := c.Param("id")
	u, err := h.service.PromoteUser(c.Request.Context(), id, h.entry(c, audit.ActionUserPromoted, audit.TargetUser, id))
	respondUser(c, u, err)
}

func (h *Handler) demoteUser(c *gin.Context) {
	id := c.Param("id")
	u, err := h.service.DemoteUser(c.Request.Context(), actor(c), id, h.entry(c, audit.ActionUserDemoted, audit.TargetUser, id))
	respondUser(c, u, err)
}

func respondUser(c *gin.Context, u *user.User, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// --- workspaces ---

func (h *Handler) listWorkspaces(c *gin.Context) {
	cursor, limit, ok := pageParams(c)
	if !ok {
		return
	}
	f := workspace.ListFilter{Query: strings.TrimSpace(c.Query("q"))}
	if raw := c.Query("tier"); raw != "" {
		tier, err := workspace.ParseTier(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		f.Tier = tier
	}
	if raw := c.Query("health"); raw != "" {
		// Listing may filter on suspended even though it cannot be set directly.
		f.Health = workspace.Health(raw)
		if _, err := workspace.ParseHealth(raw); err != nil && f.Health != workspace.HealthSuspended {
			writeError(c, err)
			return
		}
	}
	f.IncludeDeleted = c.Query("include_deleted") == "true"

	list, err := h.service.workspaces.List(c.Request.Context(), f, cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(list, limit, func(w *workspace.Workspace) (time.Time, string) { return w.CreatedAt, w.ID })
	c.JSON(http.StatusOK, gin.H{"workspaces": page, "next_cursor": next, "has_more": more})
}

func (h *Handler) getWorkspace(c *gin.Context) {
	d, err := h.service.Workspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) suspendWorkspace(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	id := c.Param("id")
	w, err := h.service.SuspendWorkspace(c.Request.Context(), id, reason, h.entry(c, audit.ActionWorkspaceSuspended, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

func (h *Handler) reactivateWorkspace(c *gin.Context) {
	id := c.Param("id")
	w, err := h.service.ReactivateWorkspace(c.Request.Context(), id, h.entry(c, audit.ActionWorkspaceReactivated, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

type planRequest struct {
	Tier string `json:"tier"`
}

func (h *Handler) changePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return
	}
	tier, err := workspace.ParseTier(req.Tier)
	if err != nil {
		writeError(c, err)
		return
	}
	id := c.Param("id")
	w, err := h.service.ChangePlan(c.Request.Context(), id, tier, h.entry(c, audit.ActionWorkspacePlanChanged, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

type creditsRequest struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

func (h *Handler) grantCredits(c *gin.Context) {
	var req creditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return
	}
	kind, err := workspace.ParseCreditKind(req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Amount <= 0 || req.Amount > maxCreditGrant {
		writeError(c, workspace.ErrInvalidAmount)
		return
	}
	id := c.Param("id")
	w, err := h.service.GrantCredits(c.Request.Context(), id, kind, req.Amount, h.entry(c, audit.ActionWorkspaceCreditsAdded, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

func (h *Handler) resetLimits(c *gin.Context) {
	id := c.Param("id")
	w, err := h.service.ResetLimits(c.Request.Context(), id, h.entry(c, audit.ActionWorkspaceLimitsReset, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

type healthRequest struct {
	Health string `json:"health"`
}

func (h *Handler) setHealth(c *gin.Context) {
	var req healthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return
	}
	health, err := workspace.ParseHealth(req.Health)
	if err != nil {
		writeError(c, err)
		return
	}
	id := c.Param("id")
	w, err := h.service.SetHealth(c.Request.Context(), id, health, h.entry(c, audit.ActionWorkspaceHealthChange, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

func (h *Handler) deleteWorkspace(c *gin.Context) {
	id := c.Param("id")
	confirmed := strings.EqualFold(c.GetHeader(ConfirmDeleteHeader), "true") || c.Query("confirm") == "true"
	w, err := h.service.DeleteWorkspace(c.Request.Context(), id, confirmed, h.entry(c, audit.ActionWorkspaceDeleted, audit.TargetWorkspace, id))
	respondWorkspace(c, w, err)
}

func respondWorkspace(c *gin.Context, w *workspace.Workspace, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": w})
}

// --- impersonation ---

func (h *Handler) getImpersonation(c *gin.Context) {
	sess, ok := h.signer.FromRequest(c.Request)
	if !ok || sess.AdminID != actor(c).ID {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "session": sess})
}

type impersonateRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

func (h *Handler) startImpersonation(c *gin.Context) {
	var req impersonateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return
	}
	if !validation.IsValidID(req.WorkspaceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "workspaceId is invalid"})
		return
	}

	entry := h.entry(c, audit.ActionImpersonationStarted, audit.TargetWorkspace, req.WorkspaceID)
	token, sess, err := h.service.StartImpersonation(c.Request.Context(), actor(c), req.WorkspaceID, entry)
	if err != nil {
		writeError(c, err)
		return
	}
	h.signer.SetCookies(c, token, *sess, h.cookies)
	c.JSON(http.StatusOK, gin.H{"active": true, "session": sess})
}

// endImpersonation clears the cookies. The entry is only written when an
// impersonation by this admin was actually in effect.
func (h *Handler) endImpersonation(c *gin.Context) {
	sess, ok := h.signer.FromRequest(c.Request)
	if ok && sess.AdminID == actor(c).ID {
		entry := h.entry(c, audit.ActionImpersonationEnded, audit.TargetWorkspace, sess.WorkspaceID)
		if err := h.service.EndImpersonation(c.Request.Context(), sess, entry); err != nil {
			writeError(c, err)
			return
		}
	}
	impersonation.ClearCookies(c, h.cookies)
	c.JSON(http.StatusOK, gin.H{"active": false})
}

// --- settings ---

func (h *Handler) getSettings(c *gin.Context) {
	st, err := h.service.Settings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

func (h *Handler) patchSettings(c *gin.Context) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		invalidRequest(c, "Invalid JSON body")
		return
	}
	patch, err := settings.Parse(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	entry := h.entry(c, audit.ActionSystemSettingsUpdated, audit.TargetSystem, "settings")
	st, err := h.service.UpdateSettings(c.Request.Context(), actor(c), patch, entry)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// --- metrics ---

func (h *Handler) aiUsage(c *gin.Context) {
	top := pagination.ParseLimit(c.Query("top"), 10, 100)
	sum, err := h.service.AIUsage(c.Request.Context(), top)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": sum})
}

func (h *Handler) billing(c *gin.Context) {
	sum, err := h.service.Billing(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing": sum})
}

// --- audit ---

func (h *Handler) listAuditLogs(c *gin.Context) {
	cursor, limit, ok := pageParams(c)
	if !ok {
		return
	}
	f := audit.Filter{
		ActorID:    c.Query("actor_id"),
		TargetType: audit.TargetType(c.Query("target_type")),
		TargetID:   c.Query("target_id"),
	}
	if raw := c.Query("action"); raw != "" {
		if !audit.ValidAction(audit.Action(raw)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "message": "Unknown audit action"})
			return
		}
		f.Action = audit.Action(raw)
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := c.Query(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				invalidRequest(c, param+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}

	entries, err := h.audit.Store().List(c.Request.Context(), f, cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *audit.Entry) (time.Time, string) { return e.CreatedAt, e.ID })
	c.JSON(http.StatusOK, gin.H{
		"entries":            page,
		"action_set_version": audit.ActionSetVersion,
		"next_cursor":        next,
		"has_more":           more,
	})
}

func (h *Handler) streamAuditLogs(c *gin.Context) {
	h.stream.HandleWebSocket(c.Writer, c.Request)
}

// --- helpers ---

func pageParams(c *gin.Context) (*pagination.Cursor, int, bool) {
	limit := pagination.ParseLimit(c.Query("limit"), defaultPageSize, maxPageSize)
	raw := c.Query("cursor")
	if raw == "" {
		return nil, limit, true
	}
	cursor, err := pagination.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return nil, 0, false
	}
	return cursor, limit, true
}

// writeError maps domain errors to responses. Anything unrecognised is logged
// and answered with a generic 500.
func writeError(c *gin.Context, err error) {
	var (
		verrs   validation.ValidationErrors
		confirm *ConfirmationError
	)
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": verrs.Error(), "details": verrs})
	case errors.As(err, &confirm):
		c.JSON(http.StatusConflict, gin.H{
			"error":               "confirmation_required",
			"message":             "Workspace has an active paid subscription. Resend with " + ConfirmDeleteHeader + ": true to delete it.",
			"workspace_id":        confirm.WorkspaceID,
			"tier":                confirm.Tier,
			"subscription_status": confirm.SubscriptionStatus,
		})
	case errors.Is(err, user.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": notFoundMessage(err)})
	case errors.Is(err, ErrSelfAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_action", "message": "You cannot perform this action on your own account"})
	case errors.Is(err, user.ErrLastSuperAdmin):
		c.JSON(http.StatusConflict, gin.H{"error": "last_super_admin", "message": "Cannot remove the last active super_admin"})
	case errors.Is(err, user.ErrAlreadySuspended), errors.Is(err, workspace.ErrAlreadySuspended):
		c.JSON(http.StatusConflict, gin.H{"error": "already_suspended", "message": "Already suspended"})
	case errors.Is(err, user.ErrNotSuspended), errors.Is(err, workspace.ErrNotSuspended):
		c.JSON(http.StatusConflict, gin.H{"error": "not_suspended", "message": "Not suspended"})
	case errors.Is(err, user.ErrAlreadySuperAdmin):
		c.JSON(http.StatusConflict, gin.H{"error": "already_super_admin", "message": "User is already a super_admin"})
	case errors.Is(err, user.ErrNotSuperAdmin):
		c.JSON(http.StatusConflict, gin.H{"error": "not_super_admin", "message": "User is not a super_admin"})
	case errors.Is(err, workspace.ErrSuspended):
		c.JSON(http.StatusConflict, gin.H{"error": "workspace_suspended", "message": "Reactivate the workspace first"})
	case errors.Is(err, workspace.ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "tier must be one of free, starter, pro, enterprise"})
	case errors.Is(err, workspace.ErrInvalidHealth):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_health", "message": "health must be one of healthy, warning, restricted"})
	case errors.Is(err, workspace.ErrInvalidCreditKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credit_kind", "message": "kind must be ai or email"})
	case errors.Is(err, workspace.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be between 1 and 1000000"})
	case errors.Is(err, settings.ErrEmptyPatch):
		invalidRequest(c, "No settings to update")
	default:
		logging.L(c.Request.Context()).Error("admin request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

func notFoundMessage(err error) string {
	if errors.Is(err, user.ErrNotFound) {
		return "User not found"
	}
	return "Workspace not found"
}
