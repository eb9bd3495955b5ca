package quota

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/workspace"
)

// DenialPublisher is notified when a tenant request is refused for quota.
type DenialPublisher interface {
	PublishQuotaDenied(workspaceID, resource, code string)
}

// Handler provides the tenant quota endpoints.
type Handler struct {
	service   *Service
	publisher DenialPublisher
}

// NewHandler creates a new quota handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithDenialPublisher forwards denials to p (the live admin feed).
func (h *Handler) WithDenialPublisher(p DenialPublisher) *Handler {
	h.publisher = p
	return h
}

// RegisterRoutes sets up tenant quota routes. The group must already run
// auth.Prefilter and Guard.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/workspaces/:id/usage", h.GetUsage)
	r.GET("/workspaces/:id/quota/:resource", h.CheckQuota)
	r.POST("/workspaces/:id/ai-credits/consume", h.ConsumeAI)
	r.POST("/workspaces/:id/emails/consume", h.ConsumeEmail)
}

// ConsumeRequest is the body of the consume endpoints.
type ConsumeRequest struct {
	Amount int64 `json:"amount" binding:"required,min=1"`
}

// GetUsage handles GET /v1/workspaces/:id/usage
func (h *Handler) GetUsage(c *gin.Context) {
	id, ok := h.authorize(c)
	if !ok {
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": summary})
}

// CheckQuota handles GET /v1/workspaces/:id/quota/:resource?amount=n
func (h *Handler) CheckQuota(c *gin.Context) {
	id, ok := h.authorize(c)
	if !ok {
		return
	}

	r, err := ParseResource(c.Param("resource"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resource",
			"message": "resource must be one of ai, email, contacts, automations",
		})
		return
	}

	amount := int64(1)
	if raw := c.Query("amount"); raw != "" {
		amount, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || amount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be a positive integer",
			})
			return
		}
	}

	check, err := h.service.Check(c.Request.Context(), id, r, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// A check is advisory: denials are reported in the body, not as 402.
	c.JSON(http.StatusOK, gin.H{"check": check})
}

// ConsumeAI handles POST /v1/workspaces/:id/ai-credits/consume
func (h *Handler) ConsumeAI(c *gin.Context) {
	h.consume(c, ResourceAI)
}

// ConsumeEmail handles POST /v1/workspaces/:id/emails/consume
func (h *Handler) ConsumeEmail(c *gin.Context) {
	h.consume(c, ResourceEmail)
}

func (h *Handler) consume(c *gin.Context, r Resource) {
	id, ok := h.authorize(c)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer",
		})
		return
	}

	var (
		check *UsageCheck
		err   error
	)
	if r == ResourceAI {
		check, err = h.service.ConsumeAI(c.Request.Context(), id, req.Amount)
	} else {
		check, err = h.service.ConsumeEmail(c.Request.Context(), id, req.Amount)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !check.Allowed {
		if h.publisher != nil {
			h.publisher.PublishQuotaDenied(id, string(r), check.Code)
		}
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "quota_exceeded",
			"message":   check.Reason,
			"code":      check.Code,
			"reason":    check.Reason,
			"limit":     check.Limit,
			"remaining": check.Remaining,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"check": check})
}

// authorize admits the workspace owner or any active super_admin. Deleted
// workspaces are indistinguishable from missing ones.
func (h *Handler) authorize(c *gin.Context) (string, bool) {
	id := c.Param("id")
	u, ok := auth.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return "", false
	}

	w, err := h.service.store.Get(c.Request.Context(), id)
	if err == nil && w.IsDeleted() {
		err = workspace.ErrNotFound
	}
	if err != nil {
		h.writeError(c, err)
		return "", false
	}
	if w.OwnerID != u.ID && !u.IsActiveSuperAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not have access to this workspace",
		})
		return "", false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Workspace not found",
		})
	case errors.Is(err, workspace.ErrSuspended):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "workspace_suspended",
			"message": "This workspace is suspended",
		})
	case errors.Is(err, workspace.ErrInvalidAmount):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer",
		})
	default:
		logging.L(c.Request.Context()).Error("quota request failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
