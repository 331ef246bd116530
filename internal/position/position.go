// Package position implements the PositionTracker (C3): a single signed
// net position with weighted-average entry price, realized/unrealized
// PnL, and mark-to-market. Unlike the teacher's split YES/NO holdings,
// a perpetual future has one position whose sign is the side: positive
// is long, negative is short.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// Position is a JSON-serializable snapshot suitable for persistence
// across restarts.
type Position struct {
	Size          decimal.Decimal `json:"size"` // signed: positive long, negative short
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Tracker maintains the position for one symbol.
type Tracker struct {
	mu  sync.RWMutex
	pos Position
}

// New creates an empty position tracker.
func New() *Tracker {
	return &Tracker{}
}

// OnFill applies a fill to the position, realizing PnL on any portion
// that reduces or flips the existing position and updating the
// weighted-average entry price on any portion that adds to it.
func (t *Tracker) OnFill(fill types.Fill) error {
	price, err := decimal.NewFromString(fill.Price)
	if err != nil {
		return err
	}
	size, err := decimal.NewFromString(fill.Size)
	if err != nil {
		return err
	}
	if fill.Side == types.SideSell {
		size = size.Neg()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyFillLocked(price, size, fill.Timestamp)
	return nil
}

func (t *Tracker) applyFillLocked(price, signedSize decimal.Decimal, at time.Time) {
	current := t.pos.Size
	sameDirection := current.Sign() == 0 || current.Sign() == signedSize.Sign()

	if sameDirection {
		totalCost := t.pos.AvgEntryPrice.Mul(current).Add(price.Mul(signedSize))
		newSize := current.Add(signedSize)
		t.pos.Size = newSize
		if !newSize.IsZero() {
			t.pos.AvgEntryPrice = totalCost.Div(newSize)
		} else {
			t.pos.AvgEntryPrice = decimal.Zero
		}
	} else {
		// Reducing or flipping: realize PnL on the portion that closes
		// the existing position.
		closingSize := decimal.Min(current.Abs(), signedSize.Abs())
		pnlPerUnit := price.Sub(t.pos.AvgEntryPrice)
		if current.Sign() < 0 {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		t.pos.RealizedPnL = t.pos.RealizedPnL.Add(pnlPerUnit.Mul(closingSize))

		newSize := current.Add(signedSize)
		t.pos.Size = newSize
		if newSize.Sign() == 0 {
			t.pos.AvgEntryPrice = decimal.Zero
		} else if newSize.Sign() != current.Sign() {
			// flipped through zero: the remainder opens a new position
			// at the fill price
			t.pos.AvgEntryPrice = price
		}
	}
	t.pos.LastUpdated = at
}

// UpdateMarkToMarket recomputes unrealized PnL against the given mark price.
func (t *Tracker) UpdateMarkToMarket(markPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark := decimal.NewFromFloat(markPrice)
	t.pos.UnrealizedPnL = t.pos.Size.Mul(mark.Sub(t.pos.AvgEntryPrice))
}

// Snapshot returns a copy of the current position.
func (t *Tracker) Snapshot() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

// SyncFromVenue overwrites size and entry with the venue's own view,
// keeping locally accumulated realized PnL. A nil venue position means no
// position is open, so size and entry reset to zero (§4.3).
func (t *Tracker) SyncFromVenue(vp *types.VenuePosition, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if vp == nil {
		t.pos.Size = decimal.Zero
		t.pos.AvgEntryPrice = decimal.Zero
		t.pos.UnrealizedPnL = decimal.Zero
		t.pos.LastUpdated = now
		return nil
	}

	size, err := decimal.NewFromString(vp.Size)
	if err != nil {
		return err
	}
	entry, err := decimal.NewFromString(vp.AvgEntryPrice)
	if err != nil {
		return err
	}
	t.pos.Size = size
	t.pos.AvgEntryPrice = entry
	t.pos.LastUpdated = now
	return nil
}

// SetPosition restores a position from persistence.
func (t *Tracker) SetPosition(pos Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = pos
}

// NetExposureUSD returns the signed dollar exposure at the given mark price.
func (t *Tracker) NetExposureUSD(markPrice float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exposure := t.pos.Size.Mul(decimal.NewFromFloat(markPrice))
	f, _ := exposure.Float64()
	return f
}

// SizeFloat returns the signed position size as a float64, for use in
// float-space feature/decision math.
func (t *Tracker) SizeFloat() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, _ := t.pos.Size.Float64()
	return f
}
