// Package health implements the auth-failure probe of §7: a narrow,
// single-purpose flag the tick loop flips when venue auth errors persist
// across consecutive ticks, in the same single-purpose-struct style as
// the teacher's risk.Manager kill switch, but scoped to one signal instead
// of a portfolio of limits.
package health

import (
	"sync"
	"time"
)

// Probe tracks consecutive venue auth failures and reports unhealthy once
// a configured threshold is reached. It clears on the next success.
type Probe struct {
	mu              sync.RWMutex
	maxConsecutive  int
	consecutiveAuth int
	unhealthy       bool
	unhealthySince  time.Time
	lastError       string
}

// New creates a Probe that trips after maxConsecutive consecutive auth
// errors. A non-positive threshold disables tripping (the probe is always
// healthy), used when operators don't want the health surface at all.
func New(maxConsecutive int) *Probe {
	return &Probe{maxConsecutive: maxConsecutive}
}

// RecordAuthError registers one auth-kind failure observed this tick.
func (p *Probe) RecordAuthError(now time.Time, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveAuth++
	p.lastError = errMsg
	if p.maxConsecutive > 0 && p.consecutiveAuth >= p.maxConsecutive && !p.unhealthy {
		p.unhealthy = true
		p.unhealthySince = now
	}
}

// RecordSuccess clears the consecutive-failure count: any successful
// venue call, not just an auth-scoped one, proves credentials still work.
func (p *Probe) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveAuth = 0
	p.unhealthy = false
	p.unhealthySince = time.Time{}
}

// Healthy reports whether the probe has not tripped.
func (p *Probe) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.unhealthy
}

// Status is a snapshot suitable for logging or the dashboard status line.
type Status struct {
	Healthy         bool
	ConsecutiveAuth int
	UnhealthySince  time.Time
	LastError       string
}

// Snapshot returns the probe's current status.
func (p *Probe) Snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		Healthy:         !p.unhealthy,
		ConsecutiveAuth: p.consecutiveAuth,
		UnhealthySince:  p.unhealthySince,
		LastError:       p.lastError,
	}
}
