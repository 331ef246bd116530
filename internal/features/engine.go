// Package features implements the FeatureEngine (C4): derives the
// float-space feature set the DecisionEngine reads from the
// MarketDataCache's raw snapshot and rolling windows.
package features

import (
	"math"
	"strconv"
	"time"

	"perp-mm/internal/marketdata"
	"perp-mm/pkg/types"
)

// Engine computes a Features snapshot from the current cache state.
type Engine struct{}

// New creates a FeatureEngine. It holds no state of its own — all
// rolling-window bookkeeping lives in the MarketDataCache.
func New() *Engine {
	return &Engine{}
}

// Compute derives the full feature set as of now.
func (e *Engine) Compute(cache *marketdata.Cache, now time.Time) types.Features {
	var f types.Features
	f.ComputedAt = now

	snap := cache.GetSnapshot(now)
	if snap.BidPrice > 0 && snap.AskPrice > 0 {
		f.MidPrice = (snap.BidPrice + snap.AskPrice) / 2
		f.SpreadBps = (snap.AskPrice - snap.BidPrice) / f.MidPrice * 10_000
		f.MicroPrice = microPrice(snap.BidPrice, snap.BidSize, snap.AskPrice, snap.AskSize)
	}

	if snap.MarkPrice != 0 && snap.IndexPrice != 0 {
		f.MarkIndexGapBps = (snap.MarkPrice - snap.IndexPrice) / snap.IndexPrice * 10_000
	}

	f.FundingRate = snap.FundingRate
	f.TradeImbalance1s = tradeImbalance(cache.Trades1s())
	f.RealizedVol10s = realizedVol(cache.Mids10s())
	f.LiqCount10s = cache.LiqCount10s()
	f.Toxic = isToxic(f.TradeImbalance1s, f.RealizedVol10s, f.LiqCount10s)

	return f
}

// toxicImbalanceThreshold and toxicVolThreshold are the coarse toxicity
// cutoffs (§3): one-sided flow plus elevated realized vol, or any
// liquidation prints in the trailing 10s, marks the book toxic.
// toxicVolThreshold is a raw log-return stddev (0.0015 = 15 bps).
const (
	toxicImbalanceThreshold = 0.6
	toxicVolThreshold       = 0.0015
)

func isToxic(imbalance1s, vol10s float64, liqCount10s int) bool {
	if liqCount10s > 0 {
		return true
	}
	return math.Abs(imbalance1s) >= toxicImbalanceThreshold && vol10s >= toxicVolThreshold
}

// microPrice weights the mid by the opposing side's resting size, which
// leans the reference price toward the side with less depth (the side
// more likely to move first).
func microPrice(bidPx, bidSz, askPx, askSz float64) float64 {
	totalSz := bidSz + askSz
	if totalSz == 0 {
		return (bidPx + askPx) / 2
	}
	return (bidPx*askSz + askPx*bidSz) / totalSz
}

// tradeImbalance returns signed buy-minus-sell volume over total volume
// in the window, in [-1, 1]. Positive means buy-side aggression dominated.
func tradeImbalance(trades []types.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	var buyVol, sellVol float64
	for _, tr := range trades {
		size := parseFloat(tr.Size)
		if tr.Side == types.SideBuy {
			buyVol += size
		} else {
			sellVol += size
		}
	}
	total := buyVol + sellVol
	if total == 0 {
		return 0
	}
	return (buyVol - sellVol) / total
}

// realizedVol computes the standard deviation of log-returns across the
// mid-price series, the realized volatility proxy over the window.
func realizedVol(mids []float64) float64 {
	if len(mids) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(mids)-1)
	for i := 1; i < len(mids); i++ {
		if mids[i-1] <= 0 || mids[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(mids[i]/mids[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
