// Package ordertracker implements the OrderTracker (C2): the
// single-writer map of resting orders, keyed by client order id or, for
// venue-initiated events that never carried one, the "__ext_" fallback
// key (§8).
package ordertracker

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// Tracker holds the set of orders the engine believes are live or
// in-flight. It is mutated only by the tick loop, but the dashboard
// reporter reads Open() from its own goroutine, so reads and writes are
// guarded by a mutex like the cache's and the position tracker's.
type Tracker struct {
	mu     sync.RWMutex
	orders map[string]*types.TrackedOrder
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{orders: make(map[string]*types.TrackedOrder)}
}

// Put inserts or replaces a tracked order under its tracking key.
func (t *Tracker) Put(o types.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := o.TrackingKey()
	cp := o
	t.orders[key] = &cp
}

// Get returns the order tracked under key, if any.
func (t *Tracker) Get(key string) (types.TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[key]
	if !ok {
		return types.TrackedOrder{}, false
	}
	return *o, true
}

// Remove deletes the order tracked under key.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, key)
}

// Open returns every order whose status is not terminal.
func (t *Tracker) Open() []types.TrackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OpenOnSide returns open orders resting on one side.
func (t *Tracker) OpenOnSide(side types.Side) []types.TrackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.TrackedOrder, 0)
	for _, o := range t.orders {
		if !o.Status.Terminal() && o.Side == side {
			out = append(out, *o)
		}
	}
	return out
}

// GetBidOrder returns the newest-or-only live buy order, if any.
func (t *Tracker) GetBidOrder() (types.TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.newestOpenLocked(types.SideBuy)
}

// GetAskOrder returns the newest-or-only live sell order, if any.
func (t *Tracker) GetAskOrder() (types.TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.newestOpenLocked(types.SideSell)
}

func (t *Tracker) newestOpenLocked(side types.Side) (types.TrackedOrder, bool) {
	var best *types.TrackedOrder
	for _, o := range t.orders {
		if o.Status.Terminal() || o.Side != side {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return types.TrackedOrder{}, false
	}
	return *best, true
}

// Clear discards every tracked order.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = make(map[string]*types.TrackedOrder)
}

// SyncFromVenue rebuilds the tracker from the venue's own view of open
// orders (§4.2), discarding whatever state this process believed was
// live. Orders the venue reports with no client order id (placed outside
// this process, or one it has since forgotten) are filed under the
// "__ext_" fallback key so distinct externally-placed orders never
// collapse onto the same tracking key.
func (t *Tracker) SyncFromVenue(openOrders []types.OpenOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = make(map[string]*types.TrackedOrder, len(openOrders))
	for _, oo := range openOrders {
		clientID := strings.TrimSpace(oo.ClientOrderID)
		o := &types.TrackedOrder{
			ClientOrderID:   clientID,
			ExchangeOrderID: oo.ExchangeOrderID,
			Side:            oo.Side,
			Price:           oo.Price,
			Size:            oo.Size,
			FilledSize:      oo.FilledSize,
			Status:          types.OrderStatusOpen,
			CreatedAt:       oo.CreatedAt,
			UpdatedAt:       oo.CreatedAt,
		}
		key := types.TrackedOrder{ClientOrderID: clientID, ExchangeOrderID: oo.ExchangeOrderID}.TrackingKey()
		t.orders[key] = o
	}
}

// ApplyAck updates (or inserts) a tracked order from a venue
// acknowledgement. If the ack carries no client order id, it is filed
// under the "__ext_" fallback key so it is never silently dropped.
func (t *Tracker) ApplyAck(ack types.OrderAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := types.TrackedOrder{ClientOrderID: ack.ClientOrderID, ExchangeOrderID: ack.ExchangeOrderID}.TrackingKey()

	existing, ok := t.orders[key]
	if !ok {
		t.orders[key] = &types.TrackedOrder{
			ClientOrderID:   ack.ClientOrderID,
			ExchangeOrderID: ack.ExchangeOrderID,
			Status:          ack.Status,
			CreatedAt:       ack.Timestamp,
			UpdatedAt:       ack.Timestamp,
		}
		return
	}

	existing.ExchangeOrderID = ack.ExchangeOrderID
	existing.Status = ack.Status
	existing.UpdatedAt = ack.Timestamp

	if ack.Status.Terminal() {
		delete(t.orders, key)
	}
}

// ApplyFill accumulates the fill's size into the tracked order's
// filledSize. Once filledSize reaches the order's full size, the order is
// deleted rather than left around in the filled state (§4.2). If the fill
// carries no client order id (e.g. a liquidation/ADL trade against our
// resting order reported only by exchange id), it is looked up under the
// "__ext_" fallback key.
func (t *Tracker) ApplyFill(fill types.Fill, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := types.TrackedOrder{ClientOrderID: fill.ClientOrderID, ExchangeOrderID: fill.ExchangeOrderID}.TrackingKey()
	o, ok := t.orders[key]
	if !ok {
		return
	}

	filled := parseDecimal(o.FilledSize).Add(parseDecimal(fill.Size))
	o.FilledSize = filled.String()
	o.UpdatedAt = now

	if filled.GreaterThanOrEqual(parseDecimal(o.Size)) {
		delete(t.orders, key)
		return
	}
	o.Status = types.OrderStatusPartial
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Count returns the number of tracked orders, terminal or not.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}
