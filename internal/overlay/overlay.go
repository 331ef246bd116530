// Package overlay implements the ParamsOverlay (C7): a fill-starvation
// spread-tightening state machine. It mirrors the teacher's
// FlowTracker.GetSpreadMultiplier cooldown/decay pattern in
// flow_tracker.go, but the dial points the other way — starvation
// narrows the quoted spread instead of toxicity widening it — and every
// method takes an explicit now instead of calling time.Now() itself.
package overlay

import (
	"time"

	"perp-mm/internal/config"
)

// State is the overlay's own mutable bookkeeping (§3).
type State struct {
	TightenBps    float64
	LastTightenAt time.Time
	LastFillAt    time.Time
	Active        bool
}

// Overlay holds the tuning config; it carries no state of its own so the
// tick loop can hold State as a plain struct field.
type Overlay struct {
	cfg config.OverlayConfig
}

// New creates a ParamsOverlay tuned by cfg.
func New(cfg config.OverlayConfig) *Overlay {
	return &Overlay{cfg: cfg}
}

// InitialState seeds a fresh State as of now, so a process that never
// sees a fill still has a reference point for the starvation window
// rather than starting pre-starved.
func InitialState(now time.Time) State {
	return State{LastFillAt: now}
}

// OnFill resets starvation tracking: a fill proves the quote is not
// starved, so any accumulated tightening is dropped.
func (o *Overlay) OnFill(now time.Time) State {
	return State{LastFillAt: now}
}

// Reset clears all overlay state, used on PAUSE, data staleness, and any
// param signature change (§4.7).
func (o *Overlay) Reset() State {
	return State{}
}

// Tick advances the overlay for one tick, tightening baseHalfSpreadBps by
// tightenStepBps at most once per tightenIntervalMs once noFillWindowMs
// has elapsed with no fill, floored at minBaseHalfSpreadBps.
func (o *Overlay) Tick(state State, now time.Time) State {
	noFillWindow := time.Duration(o.cfg.NoFillWindowMs) * time.Millisecond
	tightenInterval := time.Duration(o.cfg.TightenIntervalMs) * time.Millisecond

	if state.LastFillAt.IsZero() {
		// No reference point (e.g. right after Reset): the starvation
		// window starts now.
		return State{LastFillAt: now}
	}

	starved := now.Sub(state.LastFillAt) >= noFillWindow
	if !starved {
		return State{LastFillAt: state.LastFillAt}
	}

	if !state.LastTightenAt.IsZero() && now.Sub(state.LastTightenAt) < tightenInterval {
		return state
	}

	next := state
	next.TightenBps += o.cfg.TightenStepBps
	next.LastTightenAt = now
	next.Active = true
	return next
}

// EffectiveBaseHalfSpreadBps applies the overlay's tightening to the
// source-of-truth base half-spread, never widening it and never tightening
// past minBaseHalfSpreadBps.
func (o *Overlay) EffectiveBaseHalfSpreadBps(state State, dbBaseHalfSpreadBps float64) float64 {
	effective := dbBaseHalfSpreadBps - state.TightenBps
	if effective < o.cfg.MinBaseHalfSpreadBps {
		effective = o.cfg.MinBaseHalfSpreadBps
	}
	if effective > dbBaseHalfSpreadBps {
		effective = dbBaseHalfSpreadBps
	}
	return effective
}
