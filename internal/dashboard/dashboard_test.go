package dashboard

import (
	"log/slog"
	"testing"
	"time"

	"perp-mm/internal/health"
	"perp-mm/internal/marketdata"
	"perp-mm/internal/ordertracker"
	"perp-mm/internal/position"
	"perp-mm/pkg/types"
)

func TestSnapshotReportsCacheAndPosition(t *testing.T) {
	t.Parallel()

	cache := marketdata.NewCache()
	now := time.Now()
	cache.ApplyBBO(types.BBOUpdate{BidPrice: "99.5", BidSize: "1", AskPrice: "100.5", AskSize: "1", Timestamp: now})

	tracker := ordertracker.New()
	tracker.Put(types.TrackedOrder{ClientOrderID: "abc", Side: types.SideBuy, Price: "99.5", Size: "1", Status: types.OrderStatusOpen, CreatedAt: now})

	posTracker := position.New()
	if err := posTracker.OnFill(types.Fill{Side: types.SideBuy, Price: "100", Size: "2", Timestamp: now}); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	probe := health.New(3)

	r := New(cache, tracker, posTracker, probe, func() types.Mode { return types.ModeNormal }, slog.Default())
	snap := r.Snapshot(now)

	if snap.Mode != types.ModeNormal {
		t.Errorf("Mode = %q, want normal", snap.Mode)
	}
	if snap.MidPrice != 100 {
		t.Errorf("MidPrice = %v, want 100", snap.MidPrice)
	}
	if snap.OpenOrders != 1 {
		t.Errorf("OpenOrders = %d, want 1", snap.OpenOrders)
	}
	if snap.PositionSize != 2 {
		t.Errorf("PositionSize = %v, want 2", snap.PositionSize)
	}
	if !snap.HealthOK {
		t.Error("HealthOK = false, want true for a fresh probe")
	}
}
