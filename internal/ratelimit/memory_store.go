package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps buckets in process memory. Expired buckets are purged
// every 2×window.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts its purge loop.
func NewMemoryStore(window time.Duration) *MemoryStore {
	m := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.cleanup(2 * window)
	return m
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.purge()
		case <-m.stop:
			return
		}
	}
}

// purge drops buckets whose window has elapsed.
func (m *MemoryStore) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Stop stops the purge loop.
func (m *MemoryStore) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *MemoryStore) Hit(_ context.Context, key string, capacity int, window time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(window)}
		m.buckets[key] = b
		return Result{OK: true, Remaining: capacity - 1, ResetAt: b.resetAt}, nil
	}
	if b.count < capacity {
		b.count++
		return Result{OK: true, Remaining: capacity - b.count, ResetAt: b.resetAt}, nil
	}
	return Result{OK: false, Remaining: 0, ResetAt: b.resetAt}, nil
}

var _ Store = (*MemoryStore)(nil)
