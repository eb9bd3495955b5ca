package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/metrics"
	"github.com/mbd888/campaignhq/internal/user"
)

const (
	// ContextKeyClaims holds the parsed session claims.
	ContextKeyClaims = "authClaims"
	// ContextKeyUser holds the durable user record loaded by the guard.
	ContextKeyUser = "authUser"
)

func deny(c *gin.Context, status int, code, reason, message string) {
	metrics.AuthDenialsTotal.WithLabelValues(reason).Inc()
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// Prefilter is the coarse edge check: it rejects requests without a valid
// session and attaches the claims. It never denies on the role claim; the
// guard makes every authorization decision.
func Prefilter(issuer *SessionIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := issuer.Parse(TokenFromRequest(c.Request))
		if err != nil {
			msg := "Sign in required."
			if errors.Is(err, ErrInvalidSession) {
				msg = "Session invalid or expired. Sign in again."
			}
			deny(c, http.StatusUnauthorized, "unauthorized", "no_session", msg)
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

// Guard is the authoritative authorization check. It re-reads the principal
// from the user store on every request.
type Guard struct {
	users user.Store
}

// NewGuard creates a guard over the user store.
func NewGuard(users user.Store) *Guard {
	return &Guard{users: users}
}

// RequireSuperAdmin admits only active super_admins.
func (g *Guard) RequireSuperAdmin() gin.HandlerFunc {
	return g.require(true)
}

// RequireUser admits any non-suspended principal.
func (g *Guard) RequireUser() gin.HandlerFunc {
	return g.require(false)
}

func (g *Guard) require(superAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			deny(c, http.StatusUnauthorized, "unauthorized", "no_session", "Sign in required.")
			return
		}

		u, err := g.users.Get(c.Request.Context(), claims.Subject)
		if errors.Is(err, user.ErrNotFound) {
			deny(c, http.StatusUnauthorized, "unauthorized", "unknown_user", "Session does not match an account. Sign in again.")
			return
		}
		if err != nil {
			logging.L(c.Request.Context()).Error("guard: load user failed", "user_id", claims.Subject, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Something went wrong. Try again.",
			})
			return
		}
		if u.IsSuspended {
			deny(c, http.StatusForbidden, "account_suspended", "suspended", "Your account has been suspended.")
			return
		}
		if superAdmin && !u.IsSuperAdmin() {
			deny(c, http.StatusForbidden, "forbidden", "role", "super_admin role required")
			return
		}

		c.Set(ContextKeyUser, u)
		c.Next()
	}
}

// GetClaims returns the session claims attached by Prefilter.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// CurrentUser returns the durable principal loaded by the guard.
func CurrentUser(c *gin.Context) (*user.User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*user.User)
	return u, ok
}

// IsSuperAdmin reports whether the guard loaded an active super_admin.
func IsSuperAdmin(c *gin.Context) bool {
	u, ok := CurrentUser(c)
	return ok && u.IsActiveSuperAdmin()
}
