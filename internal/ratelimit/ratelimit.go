// Package ratelimit bounds privileged API calls per actor with a fixed window.
//
// A new window starts with count 1. Within a window each request increments
// the count until it reaches capacity; further requests are denied without
// incrementing. MemoryStore is process-local, so a horizontally scaled
// deployment under-enforces unless RedisStore is configured.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/metrics"
)

var ErrInvalidConfig = errors.New("ratelimit: capacity and window must be positive")

// Config configures rate limiting
type Config struct {
	// Capacity is the number of requests allowed per window.
	Capacity int
	// Window is the fixed window length.
	Window time.Duration
}

// DefaultConfig is 20 requests per 60 seconds.
func DefaultConfig() Config {
	return Config{Capacity: 20, Window: time.Minute}
}

// Result is the outcome of one check.
type Result struct {
	OK        bool
	Remaining int
	ResetAt   time.Time
}

// Store applies one fixed-window step for a key.
type Store interface {
	Hit(ctx context.Context, key string, capacity int, window time.Duration) (Result, error)
}

// Limiter checks actors against a Store.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time
}

// New creates a limiter.
func New(cfg Config, store Store) (*Limiter, error) {
	if cfg.Capacity <= 0 || cfg.Window <= 0 {
		return nil, ErrInvalidConfig
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}, nil
}

// WithClock overrides the time source used for Retry-After.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check counts one request for actorID.
func (l *Limiter) Check(ctx context.Context, actorID string) (Result, error) {
	return l.store.Hit(ctx, actorID, l.cfg.Capacity, l.cfg.Window)
}

// Middleware limits requests per authenticated actor, falling back to the
// client IP. It must run after the guard so the actor id is durable.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if u, ok := auth.CurrentUser(c); ok {
			key = u.ID
		}

		res, err := l.Check(c.Request.Context(), key)
		if err != nil {
			// Store outage: admit and log rather than lock every admin out.
			logging.L(c.Request.Context()).Error("rate limit store failed", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.OK {
			retry := int(math.Ceil(res.ResetAt.Sub(l.now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			metrics.RateLimitRejectionsTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
