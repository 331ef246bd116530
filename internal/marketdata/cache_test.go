package marketdata

import (
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func TestApplyBBOUpdatesSnapshotAndMidWindow(t *testing.T) {
	t.Parallel()

	c := NewCache()
	now := time.Now()
	c.ApplyBBO(types.BBOUpdate{BidPrice: "100.0", BidSize: "1", AskPrice: "100.2", AskSize: "1", Timestamp: now})

	bidPx, _, askPx, _, ok := c.BBO()
	if !ok {
		t.Fatal("BBO() ok = false, want true")
	}
	if bidPx != 100.0 || askPx != 100.2 {
		t.Errorf("BBO() = (%v, %v), want (100.0, 100.2)", bidPx, askPx)
	}

	mids := c.Mids10s()
	if len(mids) != 1 || mids[0] != 100.1 {
		t.Errorf("Mids10s() = %v, want [100.1]", mids)
	}
}

func TestMids10sEvictsOlderThanWindow(t *testing.T) {
	t.Parallel()

	c := NewCache()
	base := time.Now()
	c.ApplyBBO(types.BBOUpdate{BidPrice: "1", AskPrice: "1", Timestamp: base})
	c.ApplyBBO(types.BBOUpdate{BidPrice: "2", AskPrice: "2", Timestamp: base.Add(11 * time.Second)})

	mids := c.Mids10s()
	if len(mids) != 1 {
		t.Fatalf("Mids10s() len = %d, want 1 after eviction", len(mids))
	}
	if mids[0] != 2 {
		t.Errorf("Mids10s()[0] = %v, want 2", mids[0])
	}
}

func TestTrades1sEvictsOlderThanWindow(t *testing.T) {
	t.Parallel()

	c := NewCache()
	base := time.Now()
	c.ApplyTrade(types.Trade{Price: "1", Size: "1", Timestamp: base})
	c.ApplyTrade(types.Trade{Price: "2", Size: "1", Timestamp: base.Add(1500 * time.Millisecond)})

	trades := c.Trades1s()
	if len(trades) != 1 {
		t.Fatalf("Trades1s() len = %d, want 1 after eviction", len(trades))
	}
}

func TestStalenessAsOfReportsInfiniteForUnseenStream(t *testing.T) {
	t.Parallel()

	c := NewCache()
	s := c.StalenessAsOf(time.Now())
	if s.BBO < time.Hour {
		t.Errorf("StalenessAsOf().BBO = %v, want a very large duration for a never-updated stream", s.BBO)
	}
}

func TestStalenessAsOfTracksEachStreamIndependently(t *testing.T) {
	t.Parallel()

	c := NewCache()
	now := time.Now()
	c.ApplyMark(types.MarkUpdate{Price: "100", Timestamp: now.Add(-2 * time.Second)})
	c.ApplyIndex(types.IndexUpdate{Price: "100", Timestamp: now.Add(-1 * time.Second)})

	s := c.StalenessAsOf(now)
	if s.Mark < 1500*time.Millisecond || s.Mark > 2500*time.Millisecond {
		t.Errorf("StalenessAsOf().Mark = %v, want ~2s", s.Mark)
	}
	if s.Index < 500*time.Millisecond || s.Index > 1500*time.Millisecond {
		t.Errorf("StalenessAsOf().Index = %v, want ~1s", s.Index)
	}
}
