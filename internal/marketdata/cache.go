// Package marketdata implements the MarketDataCache (C1): the
// single-writer store of BBO, mark, index, and funding state for one
// symbol, plus the rolling 1s trade and 10s mid-price windows the
// FeatureEngine reads from.
package marketdata

import (
	"strconv"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

// midSample is one observation in the 10s mid-price window.
type midSample struct {
	mid float64
	at  time.Time
}

// Cache holds the latest market-data snapshot for one symbol. It is
// written only by the tick loop's market-event dispatcher goroutine, and
// every method takes the cache's mutex, so the tick loop and a status
// reporter can read it concurrently with those writes.
type Cache struct {
	mu sync.RWMutex

	bidPrice, bidSize float64
	askPrice, askSize float64
	bboUpdated        time.Time

	markPrice   float64
	markUpdated time.Time

	indexPrice   float64
	indexUpdated time.Time

	fundingRate     float64
	fundingNextTime time.Time
	fundingUpdated  time.Time

	// trades10s is the single trailing-10s trade buffer; the 1s
	// imbalance window is a read-time slice of it rather than a
	// separately maintained buffer (§4.1's tradesInWindow(nowMs, w)).
	trades10s []types.Trade
	mids10s   []midSample
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		trades10s: make([]types.Trade, 0, 64),
		mids10s:   make([]midSample, 0, 64),
	}
}

// ApplyBBO updates the best bid/offer snapshot and appends a mid sample
// to the 10s window.
func (c *Cache) ApplyBBO(evt types.BBOUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bidPrice = parseFloat(evt.BidPrice)
	c.bidSize = parseFloat(evt.BidSize)
	c.askPrice = parseFloat(evt.AskPrice)
	c.askSize = parseFloat(evt.AskSize)
	c.bboUpdated = evt.Timestamp

	if c.bidPrice > 0 && c.askPrice > 0 {
		mid := (c.bidPrice + c.askPrice) / 2
		c.mids10s = append(c.mids10s, midSample{mid: mid, at: evt.Timestamp})
		c.evictOldMidsLocked(evt.Timestamp)
	}
}

// ApplyTrade records a trade into the 10s trade window.
func (c *Cache) ApplyTrade(evt types.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trades10s = append(c.trades10s, evt)
	c.evictOldTradesLocked(evt.Timestamp)
}

// ApplyMark updates the mark-price snapshot.
func (c *Cache) ApplyMark(evt types.MarkUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markPrice = parseFloat(evt.Price)
	c.markUpdated = evt.Timestamp
}

// ApplyIndex updates the index-price snapshot.
func (c *Cache) ApplyIndex(evt types.IndexUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexPrice = parseFloat(evt.Price)
	c.indexUpdated = evt.Timestamp
}

// ApplyFunding updates the funding-rate snapshot.
func (c *Cache) ApplyFunding(evt types.FundingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundingRate = parseFloat(evt.Rate)
	c.fundingNextTime = evt.NextTime
	c.fundingUpdated = evt.Timestamp
}

func (c *Cache) evictOldTradesLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Second)
	idx := 0
	for ; idx < len(c.trades10s); idx++ {
		if c.trades10s[idx].Timestamp.After(cutoff) {
			break
		}
	}
	if idx > 0 {
		c.trades10s = c.trades10s[idx:]
	}
}

func (c *Cache) evictOldMidsLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Second)
	idx := 0
	for ; idx < len(c.mids10s); idx++ {
		if c.mids10s[idx].at.After(cutoff) {
			break
		}
	}
	if idx > 0 {
		c.mids10s = c.mids10s[idx:]
	}
}

// Snapshot is an immutable view of the cache at one instant (§3):
// top-of-book, mark/index, funding, and the time any stream last updated.
type Snapshot struct {
	BidPrice, BidSize float64
	AskPrice, AskSize float64
	MarkPrice         float64
	IndexPrice        float64
	FundingRate       float64
	LastUpdate        time.Time // most recent update across all streams
	At                time.Time // the now this snapshot was taken at
}

// Valid reports whether the snapshot carries a usable two-sided book.
func (s Snapshot) Valid() bool {
	return !s.LastUpdate.IsZero() && s.BidPrice > 0 && s.AskPrice > 0
}

// GetSnapshot returns an immutable copy of the current cache state as of
// now (§4.1).
func (c *Cache) GetSnapshot(now time.Time) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	latest := c.bboUpdated
	for _, t := range []time.Time{c.markUpdated, c.indexUpdated, c.fundingUpdated} {
		if t.After(latest) {
			latest = t
		}
	}

	return Snapshot{
		BidPrice:    c.bidPrice,
		BidSize:     c.bidSize,
		AskPrice:    c.askPrice,
		AskSize:     c.askSize,
		MarkPrice:   c.markPrice,
		IndexPrice:  c.indexPrice,
		FundingRate: c.fundingRate,
		LastUpdate:  latest,
		At:          now,
	}
}

// BBO returns the current best bid/offer and whether it's populated.
func (c *Cache) BBO() (bidPx, bidSz, askPx, askSz float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bidPrice == 0 || c.askPrice == 0 {
		return 0, 0, 0, 0, false
	}
	return c.bidPrice, c.bidSize, c.askPrice, c.askSize, true
}

// MarkIndex returns the current mark and index prices.
func (c *Cache) MarkIndex() (mark, index float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.markPrice == 0 || c.indexPrice == 0 {
		return 0, 0, false
	}
	return c.markPrice, c.indexPrice, true
}

// FundingRate returns the last-observed funding rate.
func (c *Cache) FundingRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fundingRate
}

// Trades1s returns the trades within 1s of the most recent trade in the
// 10s buffer (§4.1's tradesInWindow(nowMs, w) with now pinned to the last
// observed trade rather than to the caller's tick time).
func (c *Cache) Trades1s() []types.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.trades10s) == 0 {
		return nil
	}
	latest := c.trades10s[len(c.trades10s)-1].Timestamp
	return c.tradesInWindowLocked(latest, time.Second)
}

// TradesInWindow returns a copy of the trades within window of now.
func (c *Cache) TradesInWindow(now time.Time, window time.Duration) []types.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tradesInWindowLocked(now, window)
}

func (c *Cache) tradesInWindowLocked(now time.Time, window time.Duration) []types.Trade {
	cutoff := now.Add(-window)
	var out []types.Trade
	for _, tr := range c.trades10s {
		if tr.Timestamp.After(cutoff) {
			out = append(out, tr)
		}
	}
	return out
}

// LiqCount10s counts trailing-10s trades marked as liquidations or
// deleveraging prints, the PAUSE predicate input of §4.5.
func (c *Cache) LiqCount10s() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, tr := range c.trades10s {
		if tr.Type == types.TradeTypeLiq || tr.Type == types.TradeTypeDelev {
			n++
		}
	}
	return n
}

// HasValidData reports whether the cache has ever seen a BBO update on
// both sides (§4.1), the minimum bar for the engine to quote at all.
func (c *Cache) HasValidData() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.bboUpdated.IsZero() && c.bidPrice > 0 && c.askPrice > 0
}

// LastUpdateAge returns the age, relative to now, of the most recently
// updated stream among BBO/mark/index/funding — the "last time any
// stream updated" staleness input of §3's Snapshot.lastUpdateMs.
func (c *Cache) LastUpdateAge(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	latest := c.bboUpdated
	for _, t := range []time.Time{c.markUpdated, c.indexUpdated, c.fundingUpdated} {
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(latest)
}

// Mids10s returns the trailing 10s mid-price series.
func (c *Cache) Mids10s() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]float64, len(c.mids10s))
	for i, s := range c.mids10s {
		out[i] = s.mid
	}
	return out
}

// MidsInWindow returns the mid-price samples within window of now.
func (c *Cache) MidsInWindow(now time.Time, window time.Duration) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := now.Add(-window)
	var out []float64
	for _, s := range c.mids10s {
		if s.at.After(cutoff) {
			out = append(out, s.mid)
		}
	}
	return out
}

// Staleness reports how long ago each stream last updated, relative to
// now. A stream that has never updated reports the maximum Duration.
type Staleness struct {
	BBO     time.Duration
	Mark    time.Duration
	Index   time.Duration
	Funding time.Duration
}

// StalenessAsOf computes the age of each stream's last update relative to
// the supplied reference time (normally the tick time).
func (c *Cache) StalenessAsOf(now time.Time) Staleness {
	c.mu.RLock()
	defer c.mu.RUnlock()

	age := func(t time.Time) time.Duration {
		if t.IsZero() {
			return time.Duration(1<<63 - 1) // effectively infinite
		}
		return now.Sub(t)
	}

	return Staleness{
		BBO:     age(c.bboUpdated),
		Mark:    age(c.markUpdated),
		Index:   age(c.indexUpdated),
		Funding: age(c.fundingUpdated),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
