package decision

import (
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		StaleMs:                     2000,
		WideSpreadCutoffBps:         100,
		PauseLingerMs:               5000,
		InventoryTolerance:          1.0,
		DefensiveVolThresholdBps:    20,
		DefensiveImbalanceThreshold: 0.8,
	}
}

func testParams() types.StrategyParams {
	return types.StrategyParams{
		BaseHalfSpreadBps: 8,
		VolSpreadGain:     1,
		ToxSpreadGain:     1,
		QuoteSizeUSD:      100,
		RefreshIntervalMs: 1000,
		StaleCancelMs:     5000,
		MaxInventory:      1000,
		InventorySkewGain: 0.1,
		PauseMarkIndexBps: 50,
		PauseLiqCount10s:  3,
	}
}

func TestDecideColdStartPauses(t *testing.T) {
	t.Parallel()

	e := New(testRisk(), "0.01")
	now := time.Now()
	state, out := e.Decide(InitialState(), Input{
		Features:  types.Features{},
		Params:    testParams(),
		DataValid: false,
		DataAge:   time.Duration(1<<63 - 1),
		Now:       now,
	})

	if state.Mode != types.ModePaused {
		t.Errorf("Mode = %q, want paused", state.Mode)
	}
	if out.Intent.Kind != types.IntentCancelAll {
		t.Errorf("Intent.Kind = %q, want cancel_all", out.Intent.Kind)
	}
	if len(out.ReasonCodes) == 0 || out.ReasonCodes[0] != ReasonStaleData {
		t.Errorf("ReasonCodes = %v, want to start with stale_data", out.ReasonCodes)
	}
}

func TestDecideLiqCountTriggersPauseEvenWithFreshData(t *testing.T) {
	t.Parallel()

	e := New(testRisk(), "0.01")
	now := time.Now()
	features := types.Features{MidPrice: 100, SpreadBps: 10, LiqCount10s: 5}
	state, out := e.Decide(State{Mode: types.ModeNormal}, Input{
		Features:  features,
		Params:    testParams(),
		DataValid: true,
		DataAge:   time.Millisecond,
		Now:       now,
	})

	if state.Mode != types.ModePaused {
		t.Errorf("Mode = %q, want paused", state.Mode)
	}
	found := false
	for _, r := range out.ReasonCodes {
		if r == ReasonLiqCount {
			found = true
		}
	}
	if !found {
		t.Errorf("ReasonCodes = %v, want liq_count present", out.ReasonCodes)
	}
}

func TestDecideStaysPausedDuringLinger(t *testing.T) {
	t.Parallel()

	e := New(testRisk(), "0.01")
	now := time.Now()
	state := State{Mode: types.ModePaused, PauseUntil: now.Add(2 * time.Second)}
	features := types.Features{MidPrice: 100, SpreadBps: 10}

	next, out := e.Decide(state, Input{
		Features:  features,
		Params:    testParams(),
		DataValid: true,
		DataAge:   time.Millisecond,
		Now:       now,
	})

	if next.Mode != types.ModePaused {
		t.Errorf("Mode = %q, want paused (lingering)", next.Mode)
	}
	if out.ReasonCodes[0] != ReasonPauseLinger {
		t.Errorf("ReasonCodes = %v, want [pause_linger]", out.ReasonCodes)
	}
}

func TestDecideInventoryLimitQuotesOneSidedOnly(t *testing.T) {
	t.Parallel()

	e := New(testRisk(), "0.01")
	now := time.Now()
	features := types.Features{MidPrice: 100, SpreadBps: 10}
	params := testParams()

	state, out := e.Decide(State{Mode: types.ModeNormal}, Input{
		Features:     features,
		Params:       params,
		PositionSize: params.MaxInventory, // at the cap, long
		DataValid:    true,
		DataAge:      time.Millisecond,
		Now:          now,
	})

	if state.Mode != types.ModeDefensive {
		t.Errorf("Mode = %q, want defensive", state.Mode)
	}
	if out.Intent.BidPx != 0 {
		t.Errorf("Intent.BidPx = %v, want 0 (long position quotes only the ask to reduce)", out.Intent.BidPx)
	}
	if out.Intent.AskPx == 0 {
		t.Error("Intent.AskPx = 0, want a live reducing-side quote")
	}
}

func TestDecideNormalQuotesBothSidesAroundMid(t *testing.T) {
	t.Parallel()

	e := New(testRisk(), "0.01")
	now := time.Now()
	features := types.Features{MidPrice: 100, SpreadBps: 10}
	params := testParams()

	_, out := e.Decide(State{Mode: types.ModeNormal}, Input{
		Features:  features,
		Params:    params,
		DataValid: true,
		DataAge:   time.Millisecond,
		Now:       now,
	})

	if out.Intent.Kind != types.IntentQuote {
		t.Fatalf("Intent.Kind = %q, want quote", out.Intent.Kind)
	}
	if out.Intent.BidPx >= 100 || out.Intent.AskPx <= 100 {
		t.Errorf("bid/ask = %v/%v, want bid<mid<ask", out.Intent.BidPx, out.Intent.AskPx)
	}
	if out.ReasonCodes[0] != ReasonNormal {
		t.Errorf("ReasonCodes = %v, want [normal]", out.ReasonCodes)
	}
}
