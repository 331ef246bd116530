// Package planner implements the ExecutionPlanner (C6): a pure diff
// between a DecisionEngine Intent and the live bid/ask orders, producing
// an ordered list of venue actions, mirroring the teacher's
// reconcileOrders diff-cancel-place logic in maker.go.
package planner

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"perp-mm/pkg/types"
)

// MinRequoteBps is the minimum relative price move, in bps of mid, that
// justifies cancelling and replacing an otherwise-live order (§4.6).
const MinRequoteBps = 1.0

// Planner turns one Intent into an ordered action list. It holds no
// strategy state of its own — only the per-process counter that keeps
// generated client order ids unique.
type Planner struct {
	seq uint64
}

// New creates an ExecutionPlanner.
func New() *Planner {
	return &Planner{}
}

// Plan computes the action list for one tick. bid/ask are the tracker's
// current live orders on each side, if any. lastQuoteAt is the zero
// time.Time if no quote has ever been emitted.
func (p *Planner) Plan(intent types.Intent, bid, ask *types.TrackedOrder, lastQuoteAt time.Time, now time.Time, params types.StrategyParams, mid float64) []types.PlannedAction {
	if intent.Kind == types.IntentCancelAll {
		return []types.PlannedAction{{Kind: types.PlannedActionCancelAll}}
	}

	refreshDue := lastQuoteAt.IsZero() || now.Sub(lastQuoteAt) >= time.Duration(params.RefreshIntervalMs)*time.Millisecond
	staleCancel := time.Duration(params.StaleCancelMs) * time.Millisecond

	var actions []types.PlannedAction
	actions = append(actions, p.planSide(types.SideBuy, intent.BidPx, intent.Size, bid, refreshDue, staleCancel, now, mid)...)
	actions = append(actions, p.planSide(types.SideSell, intent.AskPx, intent.Size, ask, refreshDue, staleCancel, now, mid)...)
	return actions
}

func (p *Planner) planSide(side types.Side, targetPx, size float64, live *types.TrackedOrder, refreshDue bool, staleCancel time.Duration, now time.Time, mid float64) []types.PlannedAction {
	if live == nil {
		if targetPx == 0 || !refreshDue {
			return nil
		}
		return []types.PlannedAction{p.placeAction(side, targetPx, size)}
	}

	if targetPx == 0 {
		// Intent withdrew this side (e.g. one-sided DEFENSIVE quote):
		// cancel with no replacement.
		return []types.PlannedAction{cancelAction(*live)}
	}

	currentPx := parseFloat(live.Price)
	stale := staleCancel > 0 && now.Sub(live.CreatedAt) > staleCancel
	movedEnough := mid > 0 && absf(targetPx-currentPx)/mid*10_000 >= MinRequoteBps

	if stale || (refreshDue && movedEnough) {
		return []types.PlannedAction{cancelAction(*live), p.placeAction(side, targetPx, size)}
	}
	return nil
}

func cancelAction(o types.TrackedOrder) types.PlannedAction {
	return types.PlannedAction{Kind: types.PlannedActionCancel, TargetOrderID: o.TrackingKey(), Side: o.Side}
}

func (p *Planner) placeAction(side types.Side, price, size float64) types.PlannedAction {
	id := atomic.AddUint64(&p.seq, 1)
	clientOrderID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), id)
	return types.PlannedAction{
		Kind:          types.PlannedActionPlace,
		ClientOrderID: clientOrderID,
		Side:          side,
		Price:         formatPrice(price),
		Size:          formatPrice(size),
	}
}

func formatPrice(f float64) string {
	return fmt.Sprintf("%.8f", f)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
