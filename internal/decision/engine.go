// Package decision implements the DecisionEngine (C5): a pure state
// machine that turns a features/params/position snapshot into a mode
// transition and a declarative Intent, mirroring the teacher's
// computeQuotes Avellaneda-Stoikov math generalized behind the
// stale/toxicity/pause predicates this engine trades against.
package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

// Reason codes describe which predicate fired, for logging and tests.
const (
	ReasonStaleData      = "stale_data"
	ReasonWideSpread     = "wide_spread"
	ReasonMarkIndexDiv   = "mark_index_div"
	ReasonLiqCount       = "liq_count"
	ReasonPauseLinger    = "pause_linger"
	ReasonInventoryLimit = "inventory_limit"
	ReasonDefensiveVol   = "defensive_vol"
	ReasonDefensiveImb   = "defensive_imbalance"
	ReasonNormal         = "normal"
)

// State is the mutable part of the state machine the tick loop carries
// across ticks.
type State struct {
	Mode        types.Mode
	PauseUntil  time.Time
	LastQuoteAt time.Time
}

// InitialState is PAUSE with no lastQuoteMs, the spec's cold-start state.
func InitialState() State {
	return State{Mode: types.ModePaused}
}

// Input bundles everything one Decide call reads. DataValid/DataAge come
// from the MarketDataCache directly rather than being re-derived here,
// since staleness is defined over the cache's own lastUpdateMs (§4.1).
type Input struct {
	Features     types.Features
	Params       types.StrategyParams
	PositionSize float64 // signed; + long, - short
	DataValid    bool
	DataAge      time.Duration
	Now          time.Time
}

// Output is what one Decide call produces.
type Output struct {
	Mode        types.Mode
	Intent      types.Intent
	ReasonCodes []string
}

// Engine evaluates the §4.5 transition table. It is pure with respect to
// its own fields: every call takes the full State/Input it needs and
// threads the next State back out rather than mutating hidden fields.
type Engine struct {
	risk    config.RiskConfig
	lotStep decimal.Decimal
}

// New creates a DecisionEngine. lotStep is the venue's size rounding
// granularity as a decimal string (e.g. "0.01").
func New(risk config.RiskConfig, lotStep string) *Engine {
	step, err := decimal.NewFromString(lotStep)
	if err != nil || step.IsZero() {
		step = decimal.NewFromFloat(0.0001)
	}
	return &Engine{risk: risk, lotStep: step}
}

// Decide runs one tick of the state machine, evaluating the five
// transitions in order and returning the next state.
func (e *Engine) Decide(state State, in Input) (State, Output) {
	risk := e.risk

	// 1. Hard triggers -> PAUSE.
	var hardReasons []string
	if !in.DataValid || in.DataAge > time.Duration(risk.StaleMs)*time.Millisecond {
		hardReasons = append(hardReasons, ReasonStaleData)
	}
	if in.Features.SpreadBps > risk.WideSpreadCutoffBps {
		hardReasons = append(hardReasons, ReasonWideSpread)
	}
	if absf(in.Features.MarkIndexGapBps) >= in.Params.PauseMarkIndexBps {
		hardReasons = append(hardReasons, ReasonMarkIndexDiv)
	}
	if int64(in.Features.LiqCount10s) >= in.Params.PauseLiqCount10s {
		hardReasons = append(hardReasons, ReasonLiqCount)
	}
	if len(hardReasons) > 0 {
		next := State{
			Mode:        types.ModePaused,
			PauseUntil:  in.Now.Add(time.Duration(risk.PauseLingerMs) * time.Millisecond),
			LastQuoteAt: state.LastQuoteAt,
		}
		return next, Output{Mode: types.ModePaused, Intent: cancelAllIntent(), ReasonCodes: hardReasons}
	}

	// 2. Still lingering in PAUSE.
	if state.Mode == types.ModePaused && in.Now.Before(state.PauseUntil) {
		return state, Output{Mode: types.ModePaused, Intent: cancelAllIntent(), ReasonCodes: []string{ReasonPauseLinger}}
	}

	mid := in.Features.MidPrice
	if mid <= 0 {
		next := State{Mode: types.ModePaused, PauseUntil: in.Now.Add(time.Duration(risk.PauseLingerMs) * time.Millisecond), LastQuoteAt: state.LastQuoteAt}
		return next, Output{Mode: types.ModePaused, Intent: cancelAllIntent(), ReasonCodes: []string{ReasonStaleData}}
	}

	halfSpreadBps := in.Params.BaseHalfSpreadBps +
		in.Params.VolSpreadGain*(in.Features.RealizedVol10s*10_000) +
		in.Params.ToxSpreadGain*(absf(in.Features.TradeImbalance1s)*10_000)
	skewBps := in.Params.InventorySkewGain * in.PositionSize

	// 3. Inventory limit -> DEFENSIVE, one-sided reducing quote.
	if absf(in.PositionSize) >= in.Params.MaxInventory*risk.InventoryTolerance {
		intent := quoteIntent(mid, halfSpreadBps, skewBps, quoteSize(in.Params.QuoteSizeUSD, mid, e.lotStep))
		if in.PositionSize > 0 {
			intent.BidPx = 0 // long: only offer to sell, reduce the position
		} else {
			intent.AskPx = 0 // short: only bid to buy, reduce the position
		}
		next := State{Mode: types.ModeDefensive, PauseUntil: state.PauseUntil, LastQuoteAt: in.Now}
		return next, Output{Mode: types.ModeDefensive, Intent: intent, ReasonCodes: []string{ReasonInventoryLimit}}
	}

	// 4. Elevated vol/imbalance -> DEFENSIVE, both sides widened (the
	// widening is already captured by the halfSpreadBps formula's vol/tox
	// terms above; DEFENSIVE here is a state label for overlay reset and
	// observability, not a second multiplier layered on top).
	var defensiveReasons []string
	if in.Features.RealizedVol10s*10_000 >= risk.DefensiveVolThresholdBps {
		defensiveReasons = append(defensiveReasons, ReasonDefensiveVol)
	}
	if absf(in.Features.TradeImbalance1s) >= risk.DefensiveImbalanceThreshold {
		defensiveReasons = append(defensiveReasons, ReasonDefensiveImb)
	}
	if len(defensiveReasons) > 0 {
		intent := quoteIntent(mid, halfSpreadBps, skewBps, quoteSize(in.Params.QuoteSizeUSD, mid, e.lotStep))
		next := State{Mode: types.ModeDefensive, PauseUntil: state.PauseUntil, LastQuoteAt: in.Now}
		return next, Output{Mode: types.ModeDefensive, Intent: intent, ReasonCodes: defensiveReasons}
	}

	// 5. NORMAL.
	intent := quoteIntent(mid, halfSpreadBps, skewBps, quoteSize(in.Params.QuoteSizeUSD, mid, e.lotStep))
	next := State{Mode: types.ModeNormal, PauseUntil: state.PauseUntil, LastQuoteAt: in.Now}
	return next, Output{Mode: types.ModeNormal, Intent: intent, ReasonCodes: []string{ReasonNormal}}
}

func quoteIntent(mid, halfSpreadBps, skewBps, size float64) types.Intent {
	bidPx := mid * (1 - (halfSpreadBps+skewBps)/10_000)
	askPx := mid * (1 + (halfSpreadBps-skewBps)/10_000)
	return types.Intent{
		Kind:          types.IntentQuote,
		BidPx:         bidPx,
		AskPx:         askPx,
		Size:          size,
		HalfSpreadBps: halfSpreadBps,
		SkewBps:       skewBps,
	}
}

func cancelAllIntent() types.Intent {
	return types.Intent{Kind: types.IntentCancelAll}
}

// quoteSize converts the USD notional target to a base-asset size, rounded
// down to the venue's lot step (never rounds up past the USD budget).
func quoteSize(quoteSizeUSD, mid float64, lotStep decimal.Decimal) float64 {
	if mid <= 0 {
		return 0
	}
	raw := decimal.NewFromFloat(quoteSizeUSD).Div(decimal.NewFromFloat(mid))
	if lotStep.IsZero() {
		f, _ := raw.Float64()
		return f
	}
	steps := raw.Div(lotStep).Floor()
	f, _ := steps.Mul(lotStep).Float64()
	return f
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
