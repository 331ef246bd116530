package overlay

import (
	"testing"
	"time"

	"perp-mm/internal/config"
)

func testCfg() config.OverlayConfig {
	return config.OverlayConfig{
		NoFillWindowMs:       120_000,
		TightenStepBps:       0.5,
		TightenIntervalMs:    60_000,
		MinBaseHalfSpreadBps: 5,
	}
}

func TestTickDoesNothingBeforeNoFillWindowElapses(t *testing.T) {
	t.Parallel()

	o := New(testCfg())
	now := time.Now()
	state := InitialState(now)

	next := o.Tick(state, now.Add(60*time.Second))
	if next.TightenBps != 0 {
		t.Errorf("TightenBps = %v, want 0 before noFillWindow elapses", next.TightenBps)
	}
}

func TestTickTightensAfterNoFillWindowElapses(t *testing.T) {
	t.Parallel()

	o := New(testCfg())
	now := time.Now()
	state := InitialState(now)

	next := o.Tick(state, now.Add(121*time.Second))
	if next.TightenBps != 0.5 {
		t.Errorf("TightenBps = %v, want 0.5 after first starvation tighten", next.TightenBps)
	}
	if !next.Active {
		t.Error("Active = false, want true once tightening")
	}
}

func TestTickDoesNotTightenAgainBeforeTightenIntervalElapses(t *testing.T) {
	t.Parallel()

	o := New(testCfg())
	now := time.Now()
	state := InitialState(now)
	state = o.Tick(state, now.Add(121*time.Second))

	next := o.Tick(state, now.Add(150*time.Second))
	if next.TightenBps != 0.5 {
		t.Errorf("TightenBps = %v, want unchanged at 0.5 before tightenInterval elapses", next.TightenBps)
	}
}

func TestTickTightensAgainAfterTightenIntervalElapses(t *testing.T) {
	t.Parallel()

	o := New(testCfg())
	now := time.Now()
	state := InitialState(now)
	state = o.Tick(state, now.Add(121*time.Second))

	next := o.Tick(state, now.Add(181*time.Second))
	if next.TightenBps != 1.0 {
		t.Errorf("TightenBps = %v, want 1.0 after a second tighten step", next.TightenBps)
	}
}

func TestOnFillResetsTightening(t *testing.T) {
	t.Parallel()

	o := New(testCfg())
	now := time.Now()
	state := InitialState(now)
	state = o.Tick(state, now.Add(121*time.Second))

	reset := o.OnFill(now.Add(122 * time.Second))
	if reset.TightenBps != 0 || reset.Active {
		t.Errorf("state after fill = %+v, want zeroed", reset)
	}
}

func TestEffectiveBaseHalfSpreadNeverWidensOrUndercutsFloor(t *testing.T) {
	t.Parallel()

	o := New(testCfg())

	if got := o.EffectiveBaseHalfSpreadBps(State{TightenBps: 100}, 8); got != 5 {
		t.Errorf("EffectiveBaseHalfSpreadBps(heavily tightened) = %v, want floored at 5", got)
	}
	if got := o.EffectiveBaseHalfSpreadBps(State{TightenBps: -10}, 8); got != 8 {
		t.Errorf("EffectiveBaseHalfSpreadBps(negative tighten) = %v, want capped at db value 8", got)
	}
	if got := o.EffectiveBaseHalfSpreadBps(State{TightenBps: 1}, 8); got != 7 {
		t.Errorf("EffectiveBaseHalfSpreadBps(TightenBps=1) = %v, want 7", got)
	}
}
