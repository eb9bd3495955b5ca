// Package health runs dependency probes for the liveness, readiness and
// status endpoints.
//
// Probes are either critical (the primary database) or optional (the shared
// rate-limit store, whose outage the limiter tolerates). Only critical
// failures make the service unready; optional failures mark it degraded.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe unless registered with Timeout.
const DefaultTimeout = 2 * time.Second

// Status is one probe result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one dependency. It should honour ctx; a checker that does
// not is reported as timed out once its deadline passes.
type Checker func(ctx context.Context) Status

// Report aggregates a probe run.
type Report struct {
	// Healthy is false when any critical probe failed.
	Healthy bool `json:"healthy"`
	// Degraded is true when an optional probe failed.
	Degraded bool     `json:"degraded"`
	Statuses []Status `json:"checks"`
}

// Option configures a registered probe.
type Option func(*probe)

// Optional marks a probe whose failure degrades but does not fail readiness.
func Optional() Option {
	return func(p *probe) { p.critical = false }
}

// Timeout overrides DefaultTimeout for one probe.
func Timeout(d time.Duration) Option {
	return func(p *probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

type probe struct {
	name     string
	check    Checker
	critical bool
	timeout  time.Duration
}

// Registry holds the service's probes.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe. Probes are critical with DefaultTimeout unless
// options say otherwise.
func (r *Registry) Register(name string, check Checker, opts ...Option) {
	p := probe{name: name, check: check, critical: true, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&p)
	}
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently, each under its own deadline, and
// returns results in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			statuses[i] = p.run(ctx)
		}(i, p)
	}
	wg.Wait()

	rep := Report{Healthy: true, Statuses: statuses}
	for _, s := range statuses {
		if s.Healthy {
			continue
		}
		if s.Critical {
			rep.Healthy = false
		} else {
			rep.Degraded = true
		}
	}
	return rep
}

func (p probe) run(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- p.check(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "timed out after " + p.timeout.String()}
	}
	s.Name = p.name
	s.Critical = p.critical
	s.LatencyMS = time.Since(start).Milliseconds()
	return s
}
