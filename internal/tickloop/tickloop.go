// Package tickloop implements the Reconciler+TickLoop (C8): the single
// goroutine that drives READ -> DECIDE -> PLAN -> EXECUTE -> PERSIST every
// tick, periodically reconciles the order tracker against venue truth,
// and owns every throttling counter as a struct field rather than a
// package-level var, per the §9 redesign flag. It is grounded on the
// teacher's internal/engine.Engine orchestration skeleton (goroutine
// lifecycle, Start/Stop) and internal/strategy/maker.go's Run ticker
// loop, collapsed from "one goroutine per traded market" to "one
// process, one symbol" since this core's scope is single-symbol (§6.5).
package tickloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/decision"
	"perp-mm/internal/eventsink"
	"perp-mm/internal/features"
	"perp-mm/internal/health"
	"perp-mm/internal/marketdata"
	"perp-mm/internal/ordertracker"
	"perp-mm/internal/overlay"
	"perp-mm/internal/paramsource"
	"perp-mm/internal/planner"
	"perp-mm/internal/position"
	"perp-mm/internal/venue"
	"perp-mm/pkg/types"
)

const (
	cancelAllMinIntervalWithOrders    = 1 * time.Second
	cancelAllMinIntervalWithoutOrders = 30 * time.Second
	defaultRateLimitRetry             = 1 * time.Second
)

// TickLoop orchestrates one symbol's full decision cycle.
type TickLoop struct {
	cfg config.Config

	market venue.MarketDataPort
	exec   venue.ExecutionPort

	cache          *marketdata.Cache
	tracker        *ordertracker.Tracker
	pos            *position.Tracker
	featureEngine  *features.Engine
	decisionEngine *decision.Engine
	planner        *planner.Planner
	overlayEngine  *overlay.Overlay
	sink           *eventsink.Sink
	params         *paramsource.Source
	probe          *health.Probe

	logger *slog.Logger

	// stateMu guards state/overlayState, the only fields read from outside
	// the tick loop goroutine (the dashboard's Mode() accessor).
	stateMu      sync.RWMutex
	state        decision.State
	overlayState overlay.State

	// Throttling counters (§9 redesign flag: struct fields, never
	// package-level vars).
	lastReconcile      time.Time
	lastOpenOrdersSync time.Time
	lastCancelAll      time.Time
	lastStatePersist   time.Time
	rateLimitUntil     time.Time

	paramsChanged atomic.Bool

	wg sync.WaitGroup
}

// New wires a TickLoop from its component dependencies. The pure engines
// (features, decision, planner, overlay) are constructed here rather than
// injected, since they carry config but no state of their own.
func New(
	cfg config.Config,
	market venue.MarketDataPort,
	exec venue.ExecutionPort,
	cache *marketdata.Cache,
	tracker *ordertracker.Tracker,
	pos *position.Tracker,
	sink *eventsink.Sink,
	params *paramsource.Source,
	probe *health.Probe,
	logger *slog.Logger,
) *TickLoop {
	t := &TickLoop{
		cfg:            cfg,
		market:         market,
		exec:           exec,
		cache:          cache,
		tracker:        tracker,
		pos:            pos,
		featureEngine:  features.New(),
		decisionEngine: decision.New(cfg.Risk, cfg.Venue.LotStep),
		planner:        planner.New(),
		overlayEngine:  overlay.New(cfg.Overlay),
		sink:           sink,
		params:         params,
		probe:          probe,
		logger:         logger.With("component", "tickloop"),
		state:          decision.InitialState(),
	}
	t.overlayState = overlay.InitialState(time.Now())
	return t
}

// Mode returns the current decision-engine mode, safe for concurrent
// reads from the dashboard reporter.
func (t *TickLoop) Mode() types.Mode {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state.Mode
}

// Run starts the market/execution feeds, the params poller, the event
// sink flusher, and the tick ticker, blocking until ctx is cancelled. On
// cancellation it stops ticking, performs a best-effort final cancel-all,
// then triggers the final event flush before returning, the first three
// steps of §5's five-step shutdown sequence (the remaining steps — closing
// streams and exiting — are
// cmd/engine's responsibility, since TickLoop does not own the feed
// connections' lifecycle beyond Run/Close).
func (t *TickLoop) Run(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.market.Run(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("market feed stopped", "error", err)
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.exec.Run(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("execution feed stopped", "error", err)
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatchMarketEvents(ctx)
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.params.Run(ctx, t.cfg.Timing.ParamsRefreshInterval(), func(paramsource.Snapshot) {
			t.paramsChanged.Store(true)
		})
	}()

	stopSink := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.sink.Run(stopSink, t.cfg.Timing.EventFlushInterval())
	}()

	t.runTickLoop(ctx)

	t.shutdownCancelAll()
	close(stopSink)
	t.wg.Wait()
}

// dispatchMarketEvents drains the market feed's per-stream channels into
// the cache. The cache guards its own mutation with a mutex, so this
// goroutine and the tick loop goroutine never race (§5's serialized-
// mutation rule is satisfied by the cache's internal lock rather than a
// second mailbox, since C1 has no other mutator).
func (t *TickLoop) dispatchMarketEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-t.market.BBOEvents():
			t.cache.ApplyBBO(evt)
		case evt := <-t.market.TradeEvents():
			t.cache.ApplyTrade(evt)
		case evt := <-t.market.MarkEvents():
			t.cache.ApplyMark(evt)
		case evt := <-t.market.IndexEvents():
			t.cache.ApplyIndex(evt)
		case evt := <-t.market.FundingEvents():
			t.cache.ApplyFunding(evt)
		case err := <-t.market.Errors():
			t.logger.Warn("market feed error", "error", err)
		}
	}
}

func (t *TickLoop) runTickLoop(ctx context.Context) {
	interval := t.cfg.Timing.TickInterval()
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Ticker delivers at most one buffered tick, so a tick that runs
			// long never overlaps the next: this satisfies §5's "successive
			// ticks never overlap" rule without extra bookkeeping.
			t.tick(ctx, now)
		}
	}
}

// tick runs one full READ -> DECIDE -> PLAN -> EXECUTE -> PERSIST cycle.
func (t *TickLoop) tick(ctx context.Context, now time.Time) {
	t.drainExecutionEvents(now)

	if t.paramsChanged.Swap(false) {
		t.setOverlayState(t.overlayEngine.Reset())
	}

	if !t.cache.HasValidData() {
		return
	}

	t.maybeReconcile(ctx, now)

	open := t.tracker.Open()
	if tooManyOrders(open) {
		t.logger.Error("order tracker invariant violated, emergency cancel-all", "count", len(open))
		t.emergencyCancelAll(ctx, now)
		return
	}

	snapshotParams := t.params.Current().Params
	feats := t.featureEngine.Compute(t.cache, now)
	dataValid := t.cache.HasValidData()
	dataAge := t.cache.LastUpdateAge(now)

	if mark, _, ok := t.cache.MarkIndex(); ok {
		t.pos.UpdateMarkToMarket(mark)
	} else if feats.MidPrice > 0 {
		t.pos.UpdateMarkToMarket(feats.MidPrice)
	}
	t.maybePersistState(now)

	overlayState := t.overlayEngine.Tick(t.getOverlayState(), now)
	t.setOverlayState(overlayState)

	effectiveParams := snapshotParams
	effectiveParams.BaseHalfSpreadBps = t.overlayEngine.EffectiveBaseHalfSpreadBps(overlayState, snapshotParams.BaseHalfSpreadBps)

	state := t.getState()
	prevLastQuoteAt := state.LastQuoteAt

	newState, out := t.decisionEngine.Decide(state, decision.Input{
		Features:     feats,
		Params:       effectiveParams,
		PositionSize: t.pos.SizeFloat(),
		DataValid:    dataValid,
		DataAge:      dataAge,
		Now:          now,
	})
	t.setState(newState)

	if newState.Mode == types.ModePaused || !dataValid {
		t.setOverlayState(t.overlayEngine.Reset())
	}

	if out.Intent.Kind == types.IntentCancelAll {
		if !t.shouldSendCancelAll(ctx, now) {
			return
		}
		t.executeCancelAll(ctx, now)
		return
	}

	bidOrder, hasBid := t.tracker.GetBidOrder()
	askOrder, hasAsk := t.tracker.GetAskOrder()
	var bidPtr, askPtr *types.TrackedOrder
	if hasBid {
		bidPtr = &bidOrder
	}
	if hasAsk {
		askPtr = &askOrder
	}

	actions := t.planner.Plan(out.Intent, bidPtr, askPtr, prevLastQuoteAt, now, effectiveParams, feats.MidPrice)
	t.executeActions(ctx, actions, now)
}

func (t *TickLoop) getState() decision.State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *TickLoop) setState(s decision.State) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.state = s
}

func (t *TickLoop) getOverlayState() overlay.State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.overlayState
}

func (t *TickLoop) setOverlayState(s overlay.State) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.overlayState = s
}

// tooManyOrders reports the §4.2/§4.8 safety invariant violation: more
// than two live orders, or more than one per side.
func tooManyOrders(open []types.TrackedOrder) bool {
	if len(open) > 2 {
		return true
	}
	var buys, sells int
	for _, o := range open {
		if o.Side == types.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys > 1 || sells > 1
}

// drainExecutionEvents applies every pending order-ack and fill event to
// the tracker/position in arrival order before this tick's READ step.
// These are the only mutation points for C2/C3 outside the tick loop
// itself, so draining them here — rather than from a separate goroutine —
// keeps OrderTracker and PositionTracker exclusively tick-loop-owned
// (§4.2/§4.3), matching the single-mutator model of §5.
func (t *TickLoop) drainExecutionEvents(now time.Time) {
	for {
		select {
		case ack := <-t.exec.OrderEvents():
			t.tracker.ApplyAck(ack)
			t.sink.EnqueueOrderEvent(t.orderEventRecord(ack))
		case fill := <-t.exec.FillEvents():
			t.tracker.ApplyFill(fill, now)
			if err := t.pos.OnFill(fill); err != nil {
				t.logger.Error("apply fill to position failed", "error", err)
			}
			t.setOverlayState(t.overlayEngine.OnFill(now))
			t.sink.EnqueueFill(types.FillRecord{
				Symbol:          t.cfg.Venue.Symbol,
				ClientOrderID:   fill.ClientOrderID,
				ExchangeOrderID: fill.ExchangeOrderID,
				Side:            fill.Side,
				Price:           fill.Price,
				Size:            fill.Size,
				Fee:             fill.Fee,
				Liquidity:       fill.Liquidity,
				Mode:            t.Mode(),
				ParamsSetID:     t.params.Current().SetID,
				Timestamp:       fill.Timestamp,
			})
		case err := <-t.exec.Errors():
			t.logger.Warn("execution feed error", "error", err)
		default:
			return
		}
	}
}

// orderEventRecord stamps an ack with the symbol, mode, and params-set id
// current at observation time, the §6.4 attribution fields.
func (t *TickLoop) orderEventRecord(ack types.OrderAck) types.OrderEventRecord {
	return types.OrderEventRecord{
		Symbol:          t.cfg.Venue.Symbol,
		ClientOrderID:   ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Status:          ack.Status,
		Mode:            t.Mode(),
		ParamsSetID:     t.params.Current().SetID,
		Timestamp:       ack.Timestamp,
	}
}

// maybeReconcile re-syncs the order tracker against venue truth every
// PeriodicReconcileInterval (§4.8 step 2), overwriting the tracker on any
// drift.
func (t *TickLoop) maybeReconcile(ctx context.Context, now time.Time) {
	interval := t.cfg.Timing.PeriodicReconcileInterval()
	if interval <= 0 || now.Sub(t.lastReconcile) < interval {
		return
	}
	if t.isRateLimited(now) {
		return
	}
	t.lastReconcile = now
	t.syncOpenOrders(ctx, now)
	t.syncPosition(ctx, now)
}

// syncPosition overwrites the position tracker with the venue's own view,
// the periodic half of C3's update contract (fills are the other half).
func (t *TickLoop) syncPosition(ctx context.Context, now time.Time) {
	if t.isRateLimited(now) {
		return
	}
	vp, err := t.exec.GetPosition(ctx)
	if err != nil {
		t.handleVenueError(err, now)
		return
	}
	t.probe.RecordSuccess()
	if err := t.pos.SyncFromVenue(vp, now); err != nil {
		t.logger.Error("position sync failed", "error", err)
	}
}

// maybePersistState writes a position snapshot into the event sink every
// StatePersistInterval, so the last known position survives a restart
// without replaying the fill log.
func (t *TickLoop) maybePersistState(now time.Time) {
	interval := t.cfg.Timing.StatePersistInterval()
	if interval <= 0 || now.Sub(t.lastStatePersist) < interval {
		return
	}
	t.lastStatePersist = now

	snap := t.pos.Snapshot()
	t.sink.EnqueuePosition(eventsink.PositionRecord{
		Symbol:        t.cfg.Venue.Symbol,
		Size:          snap.Size.String(),
		AvgEntryPrice: snap.AvgEntryPrice.String(),
		RealizedPnL:   snap.RealizedPnL.String(),
		UnrealizedPnL: snap.UnrealizedPnL.String(),
		Mode:          t.Mode(),
		Timestamp:     now,
	})
}

// syncOpenOrders fetches the venue's open-order list and overwrites the
// tracker if it disagrees with what this process believes is live.
func (t *TickLoop) syncOpenOrders(ctx context.Context, now time.Time) {
	openOrders, err := t.exec.GetOpenOrders(ctx)
	if err != nil {
		t.handleVenueError(err, now)
		return
	}
	t.probe.RecordSuccess()

	if driftDetected(t.tracker, openOrders) {
		t.logger.Warn("order tracker drift detected, resyncing from venue truth", "venueOrders", len(openOrders))
		t.tracker.SyncFromVenue(openOrders)
	}
}

// driftDetected compares the tracker's believed exchange order ids
// against the venue's own list, the symmetric-difference check of §4.8.
func driftDetected(tracker *ordertracker.Tracker, openOrders []types.OpenOrder) bool {
	tracked := make(map[string]struct{})
	for _, o := range tracker.Open() {
		if o.ExchangeOrderID != "" {
			tracked[o.ExchangeOrderID] = struct{}{}
		}
	}
	venueSide := make(map[string]struct{}, len(openOrders))
	for _, o := range openOrders {
		venueSide[o.ExchangeOrderID] = struct{}{}
	}
	if len(tracked) != len(venueSide) {
		return true
	}
	for id := range tracked {
		if _, ok := venueSide[id]; !ok {
			return true
		}
	}
	return false
}

// shouldSendCancelAll applies the §4.8 throttling policy for
// intent-driven CancelAll: a minimum interval of 1s while the tracker
// believes orders are live, 30s otherwise, with a low-frequency
// open-orders sync (timing.open_orders_sync_interval_ms) attempted first
// in the "without orders" path to catch drift before trusting the longer
// throttle.
func (t *TickLoop) shouldSendCancelAll(ctx context.Context, now time.Time) bool {
	hasOrders := len(t.tracker.Open()) > 0
	minInterval := cancelAllMinIntervalWithoutOrders
	if hasOrders {
		minInterval = cancelAllMinIntervalWithOrders
	}

	if now.Sub(t.lastCancelAll) < minInterval {
		if !hasOrders && now.Sub(t.lastOpenOrdersSync) >= t.cfg.Timing.OpenOrdersSyncInterval() {
			t.lastOpenOrdersSync = now
			t.syncOpenOrders(ctx, now)
		}
		return false
	}
	return true
}

func (t *TickLoop) isRateLimited(now time.Time) bool {
	return now.Before(t.rateLimitUntil)
}

// handleVenueError classifies a venue call failure per §7: rate limits
// start a backoff window, auth failures feed the health probe, everything
// else is logged for next-tick retry.
func (t *TickLoop) handleVenueError(err error, now time.Time) {
	var verr *types.VenueError
	if !errors.As(err, &verr) {
		t.logger.Error("venue call failed", "error", err)
		return
	}

	switch verr.Kind {
	case types.ErrorKindRateLimit:
		retry := defaultRateLimitRetry
		if verr.RetryAfterMs != nil {
			retry = time.Duration(*verr.RetryAfterMs) * time.Millisecond
		}
		t.rateLimitUntil = now.Add(retry)
		t.logger.Warn("rate limited, backing off", "until", t.rateLimitUntil)
	case types.ErrorKindAuth:
		t.probe.RecordAuthError(now, verr.Error())
		t.logger.Error("venue auth error", "error", verr)
	case types.ErrorKindPostOnlyRejected:
		t.logger.Info("post-only order rejected, will retry next tick", "error", verr)
	default:
		t.logger.Error("venue call failed", "error", verr)
	}
}

func (t *TickLoop) emergencyCancelAll(ctx context.Context, now time.Time) {
	if t.isRateLimited(now) {
		return
	}
	t.executeCancelAll(ctx, now)
}

func (t *TickLoop) executeCancelAll(ctx context.Context, now time.Time) {
	if t.isRateLimited(now) {
		return
	}
	if err := t.exec.CancelAll(ctx); err != nil {
		t.handleVenueError(err, now)
		return
	}
	t.probe.RecordSuccess()
	t.tracker.Clear()
	t.lastCancelAll = now
}

// executeActions dispatches a planner action list sequentially, each
// action's effect on the tracker visible to the next (§5) — cancel and
// place calls are never issued concurrently.
func (t *TickLoop) executeActions(ctx context.Context, actions []types.PlannedAction, now time.Time) {
	for _, action := range actions {
		if t.isRateLimited(now) {
			return
		}
		switch action.Kind {
		case types.PlannedActionCancelAll:
			t.executeCancelAll(ctx, now)
		case types.PlannedActionCancel:
			t.executeCancel(ctx, action, now)
		case types.PlannedActionPlace:
			t.executePlace(ctx, action, now)
		}
	}
}

func (t *TickLoop) executeCancel(ctx context.Context, action types.PlannedAction, now time.Time) {
	order, ok := t.tracker.Get(action.TargetOrderID)
	if !ok {
		return
	}
	if err := t.exec.CancelOrder(ctx, order.ClientOrderID, order.ExchangeOrderID); err != nil {
		t.handleVenueError(err, now)
		return
	}
	t.probe.RecordSuccess()
	// Cancel-success removes the order immediately rather than waiting for
	// the async order-update event (§4.8).
	t.tracker.Remove(action.TargetOrderID)
	t.sink.EnqueueOrderEvent(t.orderEventRecord(types.OrderAck{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Status:          types.OrderStatusCancelled,
		Timestamp:       now,
	}))
}

func (t *TickLoop) executePlace(ctx context.Context, action types.PlannedAction, now time.Time) {
	ack, err := t.exec.PlaceOrder(ctx, action.ClientOrderID, action.Side, action.Price, action.Size, types.OrderTypePostOnly)
	if err != nil {
		t.handleVenueError(err, now)
		return
	}
	t.probe.RecordSuccess()

	t.tracker.Put(types.TrackedOrder{
		ClientOrderID:   ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Side:            action.Side,
		Price:           action.Price,
		Size:            action.Size,
		Status:          ack.Status,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	rec := t.orderEventRecord(types.OrderAck{
		ClientOrderID:   ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Status:          ack.Status,
		Timestamp:       now,
	})
	rec.Side = action.Side
	rec.Price = action.Price
	rec.Size = action.Size
	t.sink.EnqueueOrderEvent(rec)
}

// shutdownCancelAll issues a best-effort cancel-all with a fresh
// background context, since ctx is already cancelled by the time Run
// reaches this point — the second step of §5's shutdown sequence.
func (t *TickLoop) shutdownCancelAll() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timing.VenueCallTimeout())
	defer cancel()
	if err := t.exec.CancelAll(ctx); err != nil {
		t.logger.Error("shutdown cancel-all failed", "error", err)
		return
	}
	t.tracker.Clear()
}
