// Package dashboard implements a minimal, read-only status reporter: a
// periodic structured log line carrying mode, position, spread, and
// health — the single-symbol core's stand-in for the teacher's full
// internal/api HTTP+SSE dashboard server, which spec.md §1 scopes out of
// the core as an external collaborator. Nothing here drives decisions;
// it only observes state the tick loop already owns.
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"perp-mm/internal/health"
	"perp-mm/internal/marketdata"
	"perp-mm/internal/ordertracker"
	"perp-mm/internal/position"
	"perp-mm/pkg/types"
)

// Snapshot is the aggregated, point-in-time status line.
type Snapshot struct {
	Mode          types.Mode
	MidPrice      float64
	SpreadBps     float64
	PositionSize  float64
	AvgEntryPrice float64
	RealizedPnL   float64
	UnrealizedPnL float64
	OpenOrders    int
	HealthOK      bool
	Timestamp     time.Time
}

// Reporter periodically logs a Snapshot. It is constructed with direct
// references to the read-only surfaces of C1 (cache), C2 (tracker), and
// C3 (position) rather than a single combined snapshot type, since those
// components already expose mutex-guarded readers safe for concurrent
// access from outside the tick loop goroutine.
type Reporter struct {
	cache    *marketdata.Cache
	tracker  *ordertracker.Tracker
	position *position.Tracker
	probe    *health.Probe
	modeFn   func() types.Mode
	logger   *slog.Logger
}

// New creates a status Reporter. modeFn reads the tick loop's current
// mode; it is a function rather than a stored value since Mode changes
// every tick and the dashboard must always report the latest.
func New(cache *marketdata.Cache, tracker *ordertracker.Tracker, pos *position.Tracker, probe *health.Probe, modeFn func() types.Mode, logger *slog.Logger) *Reporter {
	return &Reporter{
		cache:    cache,
		tracker:  tracker,
		position: pos,
		probe:    probe,
		modeFn:   modeFn,
		logger:   logger.With("component", "dashboard"),
	}
}

// Snapshot builds the current status line.
func (r *Reporter) Snapshot(now time.Time) Snapshot {
	var mid, spreadBps float64
	if bidPx, _, askPx, _, ok := r.cache.BBO(); ok {
		mid = (bidPx + askPx) / 2
		if mid > 0 {
			spreadBps = (askPx - bidPx) / mid * 10_000
		}
	}

	pos := r.position.Snapshot()
	posSize, _ := pos.Size.Float64()
	avgEntry, _ := pos.AvgEntryPrice.Float64()
	realized, _ := pos.RealizedPnL.Float64()
	unrealized, _ := pos.UnrealizedPnL.Float64()

	return Snapshot{
		Mode:          r.modeFn(),
		MidPrice:      mid,
		SpreadBps:     spreadBps,
		PositionSize:  posSize,
		AvgEntryPrice: avgEntry,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		OpenOrders:    len(r.tracker.Open()),
		HealthOK:      r.probe.Healthy(),
		Timestamp:     now,
	}
}

// Run logs a Snapshot on interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot(time.Now())
			r.logger.Info("status",
				"mode", s.Mode,
				"mid", s.MidPrice,
				"spread_bps", s.SpreadBps,
				"position", s.PositionSize,
				"avg_entry", s.AvgEntryPrice,
				"realized_pnl", s.RealizedPnL,
				"unrealized_pnl", s.UnrealizedPnL,
				"open_orders", s.OpenOrders,
				"healthy", s.HealthOK,
			)
		}
	}
}
