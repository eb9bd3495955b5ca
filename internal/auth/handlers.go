package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the session endpoints.
type Handler struct {
	secureCookies bool
}

// NewHandler creates a session handler.
func NewHandler(secureCookies bool) *Handler {
	return &Handler{secureCookies: secureCookies}
}

// RegisterRoutes sets up routes behind Prefilter and Guard.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/session", h.GetSession)
	r.DELETE("/session", h.Logout)
}

// GetSession returns the durable record of the caller, not the token claims.
func (h *Handler) GetSession(c *gin.Context) {
	u, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Sign in required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// Logout clears the session cookie. Bearer tokens expire on their own.
func (h *Handler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", h.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}
