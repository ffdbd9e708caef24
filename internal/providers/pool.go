package providers

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnavailable is returned when no healthy provider can serve a request.
var ErrUnavailable = errors.New("provider unavailable")

// HealthState classifies a provider's recent behaviour.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
	Down     HealthState = "down"
)

const (
	// failureThreshold consecutive failures within failureWindow trip a
	// provider to Down.
	failureThreshold = 3
	failureWindow    = 2 * time.Minute

	cooldownBase = 3 * time.Second
	cooldownCap  = 5 * time.Minute
)

// Health is an immutable snapshot of one provider's state. The pool swaps
// whole snapshots atomically so a failed call never locks the pool.
type Health struct {
	State               HealthState
	ConsecutiveFailures int
	FirstFailureAt      time.Time
	CooldownUntil       time.Time
	Trips               int // down transitions, drives exponential cooldown
}

// Pool is a named set of providers with per-provider health tracking.
type Pool struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]*atomic.Pointer[Health]
	clock     func() time.Time
}

// NewPool creates an empty pool. clock is injectable for tests; nil means
// time.Now.
func NewPool(clock func() time.Time) *Pool {
	if clock == nil {
		clock = time.Now
	}
	return &Pool{
		providers: make(map[string]Provider),
		health:    make(map[string]*atomic.Pointer[Health]),
		clock:     clock,
	}
}

// Register adds a provider under its own name.
func (p *Pool) Register(provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := provider.Name()
	p.providers[name] = provider

	ptr := &atomic.Pointer[Health]{}
	ptr.Store(&Health{State: Healthy})
	p.health[name] = ptr
}

// Get returns a provider by name, nil if unknown.
func (p *Pool) Get(name string) Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[name]
}

// Names lists registered provider names.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.providers))
	for n := range p.providers {
		names = append(names, n)
	}
	return names
}

// HealthOf returns the current health snapshot for a provider.
// Unknown providers report Down.
func (p *Pool) HealthOf(name string) Health {
	p.mu.RLock()
	ptr := p.health[name]
	p.mu.RUnlock()
	if ptr == nil {
		return Health{State: Down}
	}
	return *ptr.Load()
}

// Available reports whether the provider may be routed to: not Down, or
// Down with an expired cooldown.
func (p *Pool) Available(name string) bool {
	h := p.HealthOf(name)
	if h.State != Down {
		return true
	}
	return p.clock().After(h.CooldownUntil)
}

// RecordSuccess restores a provider to Healthy.
func (p *Pool) RecordSuccess(name string) {
	p.mu.RLock()
	ptr := p.health[name]
	p.mu.RUnlock()
	if ptr == nil {
		return
	}
	ptr.Store(&Health{State: Healthy})
}

// RecordFailure notes a failed call. After failureThreshold consecutive
// failures inside failureWindow the provider goes Down with an
// exponentially growing cooldown (base 3s, cap 5min).
func (p *Pool) RecordFailure(name string) {
	p.mu.RLock()
	ptr := p.health[name]
	p.mu.RUnlock()
	if ptr == nil {
		return
	}

	now := p.clock()
	for {
		prev := ptr.Load()
		next := *prev

		// Failures outside the window restart the count.
		if prev.ConsecutiveFailures == 0 || now.Sub(prev.FirstFailureAt) > failureWindow {
			next.FirstFailureAt = now
			next.ConsecutiveFailures = 1
		} else {
			next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}

		if next.ConsecutiveFailures >= failureThreshold {
			next.Trips = prev.Trips + 1
			cooldown := cooldownBase
			for i := 1; i < next.Trips; i++ {
				cooldown *= 2
				if cooldown >= cooldownCap {
					cooldown = cooldownCap
					break
				}
			}
			next.State = Down
			next.CooldownUntil = now.Add(cooldown)
			next.ConsecutiveFailures = 0
			slog.Warn("provider down", "provider", name, "cooldown", cooldown)
		} else {
			next.State = Degraded
		}

		if ptr.CompareAndSwap(prev, &next) {
			return
		}
	}
}
