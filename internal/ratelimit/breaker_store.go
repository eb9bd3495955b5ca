package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/campaignhq/internal/circuitbreaker"
	"github.com/mbd888/campaignhq/internal/metrics"
)

// ErrStoreUnavailable is returned while the breaker refuses calls.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

const breakerKey = "ratelimit_store"

// BreakerStore stops calling a failing shared store until it recovers, so a
// redis outage costs one fast error per request instead of a timeout.
type BreakerStore struct {
	next    Store
	breaker *circuitbreaker.Breaker
}

// NewBreakerStore wraps next. b's transitions are exported as metrics.
func NewBreakerStore(next Store, b *circuitbreaker.Breaker) *BreakerStore {
	b.OnTransition(func(key string, from, to circuitbreaker.State) {
		metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	})
	return &BreakerStore{next: next, breaker: b}
}

func (s *BreakerStore) Hit(ctx context.Context, key string, capacity int, window time.Duration) (Result, error) {
	if !s.breaker.Allow(breakerKey) {
		return Result{}, ErrStoreUnavailable
	}
	res, err := s.next.Hit(ctx, key, capacity, window)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return Result{}, err
	}
	s.breaker.RecordSuccess(breakerKey)
	return res, nil
}

var _ Store = (*BreakerStore)(nil)
