package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/campaignhq/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	calls int
	err   error
}

func (f *flakyStore) Hit(_ context.Context, _ string, capacity int, window time.Duration) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{OK: true, Remaining: capacity - 1, ResetAt: time.Now().Add(window)}, nil
}

func TestBreakerStore_StopsCallingFailingStore(t *testing.T) {
	next := &flakyStore{err: errors.New("dial tcp: connection refused")}
	s := NewBreakerStore(next, circuitbreaker.New(3, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := s.Hit(context.Background(), "usr_admin", 20, time.Minute)
		require.Error(t, err)
	}
	assert.Equal(t, 3, next.calls)

	_, err := s.Hit(context.Background(), "usr_admin", 20, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 3, next.calls, "open breaker must not reach the store")
}

func TestBreakerStore_RecoversAfterCoolDown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := &flakyStore{err: errors.New("timeout")}
	b := circuitbreaker.New(1, 30*time.Second).WithClock(func() time.Time { return now })
	s := NewBreakerStore(next, b)

	_, err := s.Hit(context.Background(), "k", 20, time.Minute)
	require.Error(t, err)

	next.err = nil
	now = now.Add(30 * time.Second)
	res, err := s.Hit(context.Background(), "k", 20, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, circuitbreaker.StateClosed, b.State(breakerKey))
}

func TestMiddleware_FailsOpenOnStoreOutage(t *testing.T) {
	next := &flakyStore{err: errors.New("redis down")}
	l, err := New(DefaultConfig(), NewBreakerStore(next, circuitbreaker.New(1, time.Minute)))
	require.NoError(t, err)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/admin/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 25; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, next.calls)
}
