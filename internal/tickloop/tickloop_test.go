package tickloop

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/eventsink"
	"perp-mm/internal/health"
	"perp-mm/internal/marketdata"
	"perp-mm/internal/ordertracker"
	"perp-mm/internal/paramsource"
	"perp-mm/internal/position"
	"perp-mm/pkg/types"
)

type fakeMarket struct {
	bbo     chan types.BBOUpdate
	trade   chan types.Trade
	mark    chan types.MarkUpdate
	index   chan types.IndexUpdate
	funding chan types.FundingUpdate
	errs    chan error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		bbo:     make(chan types.BBOUpdate, 8),
		trade:   make(chan types.Trade, 8),
		mark:    make(chan types.MarkUpdate, 8),
		index:   make(chan types.IndexUpdate, 8),
		funding: make(chan types.FundingUpdate, 8),
		errs:    make(chan error, 8),
	}
}

func (f *fakeMarket) BBOEvents() <-chan types.BBOUpdate         { return f.bbo }
func (f *fakeMarket) TradeEvents() <-chan types.Trade           { return f.trade }
func (f *fakeMarket) MarkEvents() <-chan types.MarkUpdate       { return f.mark }
func (f *fakeMarket) IndexEvents() <-chan types.IndexUpdate     { return f.index }
func (f *fakeMarket) FundingEvents() <-chan types.FundingUpdate { return f.funding }
func (f *fakeMarket) Errors() <-chan error                      { return f.errs }
func (f *fakeMarket) Run(ctx context.Context) error             { <-ctx.Done(); return ctx.Err() }
func (f *fakeMarket) Close() error                              { return nil }

// fakeExec is a hand-rolled ExecutionPort double recording every call the
// tick loop makes, in the teacher's table-driven-fake style but scoped to
// one symbol instead of the teacher's per-market client pool.
type fakeExec struct {
	mu sync.Mutex

	orderEvents chan types.OrderAck
	fillEvents  chan types.Fill
	errs        chan error

	openOrders  []types.OpenOrder
	venuePos    *types.VenuePosition
	placeCalls  []types.PlannedAction
	cancelCalls []string
	cancelAllN  int
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		orderEvents: make(chan types.OrderAck, 8),
		fillEvents:  make(chan types.Fill, 8),
		errs:        make(chan error, 8),
	}
}

func (f *fakeExec) PlaceOrder(ctx context.Context, clientOrderID string, side types.Side, price, size string, orderType types.OrderType) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls = append(f.placeCalls, types.PlannedAction{ClientOrderID: clientOrderID, Side: side, Price: price, Size: size})
	return types.OrderAck{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: "ex-" + clientOrderID,
		Status:          types.OrderStatusOpen,
		Timestamp:       time.Now(),
	}, nil
}

func (f *fakeExec) CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := clientOrderID
	if id == "" {
		id = exchangeOrderID
	}
	f.cancelCalls = append(f.cancelCalls, id)
	return nil
}

func (f *fakeExec) CancelAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllN++
	return nil
}

func (f *fakeExec) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOrders, nil
}

func (f *fakeExec) GetPosition(ctx context.Context) (*types.VenuePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.venuePos, nil
}
func (f *fakeExec) OrderEvents() <-chan types.OrderAck                            { return f.orderEvents }
func (f *fakeExec) FillEvents() <-chan types.Fill                                 { return f.fillEvents }
func (f *fakeExec) Errors() <-chan error                                          { return f.errs }
func (f *fakeExec) Run(ctx context.Context) error                                 { <-ctx.Done(); return ctx.Err() }
func (f *fakeExec) Close() error                                                  { return nil }

func (f *fakeExec) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placeCalls)
}

func (f *fakeExec) cancelAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAllN
}

func testConfig() config.Config {
	return config.Config{
		Venue: config.VenueConfig{LotStep: "0.0001"},
		Risk: config.RiskConfig{
			StaleMs:                     60_000,
			WideSpreadCutoffBps:         1_000,
			PauseLingerMs:               1_000,
			InventoryTolerance:          10,
			DefensiveVolThresholdBps:    1_000,
			DefensiveImbalanceThreshold: 1,
			MaxConsecutiveAuthErrors:    3,
		},
		Overlay: config.OverlayConfig{
			NoFillWindowMs:       60_000,
			TightenStepBps:       1,
			TightenIntervalMs:    1_000,
			MinBaseHalfSpreadBps: 1,
		},
		Timing: config.TimingConfig{
			TickIntervalMs:              250,
			EventFlushIntervalMs:        1_000,
			ParamsRefreshIntervalMs:     10_000,
			PeriodicReconcileIntervalMs: 60_000,
			OpenOrdersSyncIntervalMs:    5_000,
			VenueCallTimeoutMs:          5_000,
		},
	}
}

func newTestLoop(t *testing.T, market *fakeMarket, exec *fakeExec) *TickLoop {
	t.Helper()

	dir := t.TempDir()
	paramsPath := filepath.Join(dir, "params.yaml")
	const yaml = `
base_half_spread_bps: 10
vol_spread_gain: 1
tox_spread_gain: 1
quote_size_usd: 100
refresh_interval_ms: 0
stale_cancel_ms: 60000
max_inventory: 1000
inventory_skew_gain: 0.1
pause_mark_index_bps: 1000
pause_liq_count_10s: 1000
`
	if err := os.WriteFile(paramsPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}
	paramsSrc, err := paramsource.New(paramsPath, slog.Default())
	if err != nil {
		t.Fatalf("paramsource.New: %v", err)
	}

	sink, err := eventsink.New(filepath.Join(dir, "events"), slog.Default())
	if err != nil {
		t.Fatalf("eventsink.New: %v", err)
	}

	return New(
		testConfig(),
		market,
		exec,
		marketdata.NewCache(),
		ordertracker.New(),
		position.New(),
		sink,
		paramsSrc,
		health.New(3),
		slog.Default(),
	)
}

func TestTickSkipsWhenDataInvalid(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	loop := newTestLoop(t, newFakeMarket(), exec)

	loop.tick(context.Background(), time.Now())

	if got := exec.placeCount(); got != 0 {
		t.Errorf("placeCount = %d, want 0 with no market data", got)
	}
}

func TestTickPlacesQuoteOnValidData(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	loop := newTestLoop(t, newFakeMarket(), exec)

	now := time.Now()
	loop.cache.ApplyBBO(types.BBOUpdate{BidPrice: "99.5", BidSize: "10", AskPrice: "100.5", AskSize: "10", Timestamp: now})

	loop.tick(context.Background(), now)

	if got := exec.placeCount(); got != 2 {
		t.Fatalf("placeCount = %d, want 2 (bid+ask)", got)
	}
	if got := len(loop.tracker.Open()); got != 2 {
		t.Errorf("tracker open orders = %d, want 2", got)
	}
	if mode := loop.Mode(); mode != types.ModeNormal {
		t.Errorf("Mode = %q, want normal", mode)
	}
}

func TestTickEmergencyCancelAllOnTooManyOrders(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	loop := newTestLoop(t, newFakeMarket(), exec)

	now := time.Now()
	loop.cache.ApplyBBO(types.BBOUpdate{BidPrice: "99.5", BidSize: "10", AskPrice: "100.5", AskSize: "10", Timestamp: now})

	for i := 0; i < 3; i++ {
		loop.tracker.Put(types.TrackedOrder{
			ClientOrderID: "order-" + string(rune('a'+i)),
			Side:          types.SideBuy,
			Price:         "99",
			Size:          "1",
			Status:        types.OrderStatusOpen,
			CreatedAt:     now,
		})
	}

	loop.tick(context.Background(), now)

	if got := exec.cancelAllCount(); got != 1 {
		t.Fatalf("cancelAllCount = %d, want 1", got)
	}
	if got := len(loop.tracker.Open()); got != 0 {
		t.Errorf("tracker open orders = %d, want 0 after emergency cancel-all", got)
	}
}

func TestTickSyncsPositionFromVenueTruth(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	exec.venuePos = &types.VenuePosition{Size: "3", AvgEntryPrice: "101.5"}
	loop := newTestLoop(t, newFakeMarket(), exec)

	now := time.Now()
	loop.cache.ApplyBBO(types.BBOUpdate{BidPrice: "99.5", BidSize: "10", AskPrice: "100.5", AskSize: "10", Timestamp: now})

	loop.tick(context.Background(), now)

	if got := loop.pos.SizeFloat(); got != 3 {
		t.Errorf("position size after venue sync = %v, want 3", got)
	}
}

func TestTickSyncsPositionToZeroWhenVenueReportsNone(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	loop := newTestLoop(t, newFakeMarket(), exec)

	now := time.Now()
	loop.pos.OnFill(types.Fill{Side: types.SideBuy, Price: "100", Size: "5", Timestamp: now})
	loop.cache.ApplyBBO(types.BBOUpdate{BidPrice: "99.5", BidSize: "10", AskPrice: "100.5", AskSize: "10", Timestamp: now})

	loop.tick(context.Background(), now)

	if got := loop.pos.SizeFloat(); got != 0 {
		t.Errorf("position size after venue reports none = %v, want 0", got)
	}
}

func TestDrainExecutionEventsAppliesFillToPosition(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	loop := newTestLoop(t, newFakeMarket(), exec)

	now := time.Now()
	loop.tracker.Put(types.TrackedOrder{
		ClientOrderID: "abc",
		Side:          types.SideBuy,
		Price:         "100",
		Size:          "2",
		Status:        types.OrderStatusOpen,
		CreatedAt:     now,
	})
	exec.fillEvents <- types.Fill{ClientOrderID: "abc", Side: types.SideBuy, Price: "100", Size: "2", Timestamp: now}

	loop.drainExecutionEvents(now)

	if got := loop.pos.SizeFloat(); got != 2 {
		t.Errorf("position size = %v, want 2", got)
	}
	if _, ok := loop.tracker.Get("abc"); ok {
		t.Error("fully filled order should be removed from tracker")
	}
}
