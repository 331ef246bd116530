// Package types holds the domain value types shared across the engine:
// sides, venue events, tracked orders, and the strategy parameter set.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// Side is the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Increment describes a venue's price/size granularity, analogous to the
// teacher's TickSize but generalized to an arbitrary decimal string
// instead of a fixed enum of binary-market tick sizes.
type Increment string

const (
	IncrementCoarse Increment = "0.1"
	IncrementMedium Increment = "0.01"
	IncrementFine   Increment = "0.001"
	IncrementMicro  Increment = "0.0001"
)

// PriceDecimals returns the number of decimal places implied by the
// increment, defaulting to 2 for unrecognized values.
func (i Increment) PriceDecimals() int {
	switch i {
	case IncrementCoarse:
		return 1
	case IncrementMedium:
		return 2
	case IncrementFine:
		return 3
	case IncrementMicro:
		return 4
	default:
		return 2
	}
}

// SizeDecimals returns the number of decimal places used for order size
// rounding, two more than the price's, mirroring the teacher's
// AmountDecimals convention.
func (i Increment) SizeDecimals() int {
	return i.PriceDecimals() + 2
}

// OrderType enumerates the order types this engine ever submits.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypePostOnly   OrderType = "post_only"
	OrderTypeCancelOnly OrderType = "cancel_only"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	OrderStatusPendingNew OrderStatus = "pending_new"
	OrderStatusOpen       OrderStatus = "open"
	OrderStatusPartial    OrderStatus = "partially_filled"
	OrderStatusFilled     OrderStatus = "filled"
	OrderStatusCancelling OrderStatus = "cancelling"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRejected   OrderStatus = "rejected"
)

// Terminal reports whether the status requires no further tracking.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// ExternalKeyPrefix prefixes the fallback tracking key used for order
// events that arrive without a client-supplied order id (§8).
const ExternalKeyPrefix = "__ext_"

// TrackedOrder is the OrderTracker's (C2) view of a single resting order.
type TrackedOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           string // decimal string, venue-native precision
	Size            string // decimal string, original order size
	FilledSize      string // decimal string, cumulative filled size
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TrackingKey returns the map key this order is tracked under: its client
// order id when present, otherwise the "__ext_" fallback key.
func (o TrackedOrder) TrackingKey() string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return ExternalKeyPrefix + o.ExchangeOrderID
}

// Mode is the DecisionEngine's (C5) operating mode.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeDefensive Mode = "defensive"
	ModePaused    Mode = "paused"
)

// BBOUpdate is a best-bid/best-offer market data event (§6.1).
type BBOUpdate struct {
	Sequence  int64
	BidPrice  string
	BidSize   string
	AskPrice  string
	AskSize   string
	Timestamp time.Time
}

// TradeType classifies the circumstances of a trade print (§3).
type TradeType string

const (
	TradeTypeNormal TradeType = "normal"
	TradeTypeLiq    TradeType = "liq"
	TradeTypeDelev  TradeType = "delev"
)

// Trade is a single executed trade observed on the venue's tape (§6.1).
type Trade struct {
	Sequence  int64
	Price     string
	Size      string
	Side      Side // aggressor side
	Type      TradeType
	Timestamp time.Time
}

// MarkUpdate carries a new mark price (§6.1).
type MarkUpdate struct {
	Sequence  int64
	Price     string
	Timestamp time.Time
}

// IndexUpdate carries a new index price (§6.1).
type IndexUpdate struct {
	Sequence  int64
	Price     string
	Timestamp time.Time
}

// FundingUpdate carries a new funding rate observation (§6.1).
type FundingUpdate struct {
	Sequence  int64
	Rate      string // fraction, e.g. "0.0001"
	NextTime  time.Time
	Timestamp time.Time
}

// Liquidity records which side of the book a fill consumed.
type Liquidity string

const (
	LiquidityMaker Liquidity = "maker"
	LiquidityTaker Liquidity = "taker"
)

// Fill is an execution report for (part of) a tracked order (§6.2).
type Fill struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           string
	Size            string
	Fee             string
	Liquidity       Liquidity
	Timestamp       time.Time
}

// OrderAck acknowledges a submitted order or reports a later status
// transition on the private stream (§6.2). Reason is set only on
// rejections.
type OrderAck struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
	Reason          string
	Timestamp       time.Time
}

// OpenOrder is the venue's own view of one resting order, as returned by
// getOpenOrders (§6.2). It carries whatever client order id the venue
// still has on file — empty if the order was placed outside this process.
type OpenOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           string
	Size            string
	FilledSize      string
	CreatedAt       time.Time
}

// VenuePosition is the venue's own view of the current position, as
// returned by getPosition (§6.2).
type VenuePosition struct {
	Size          string
	AvgEntryPrice string
	UpdatedAt     time.Time
}

// ErrorKind classifies venue/transport failures (§7).
type ErrorKind string

const (
	ErrorKindNetwork             ErrorKind = "network"
	ErrorKindRateLimit           ErrorKind = "rate_limit"
	ErrorKindAuth                ErrorKind = "auth"
	ErrorKindInvalidOrder        ErrorKind = "invalid_order"
	ErrorKindInsufficientBalance ErrorKind = "insufficient_balance"
	ErrorKindPostOnlyRejected    ErrorKind = "post_only_rejected"
	ErrorKindExchangeError       ErrorKind = "exchange_error"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// VenueError is the single typed error shape the venue port ever returns.
type VenueError struct {
	Kind         ErrorKind
	Code         string
	RetryAfterMs *int64
	Err          error
}

func (e *VenueError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Code
}

func (e *VenueError) Unwrap() error { return e.Err }

// StrategyParams is the tunable parameter set recognized by the engine
// (§6.3). These ten fields, in this order, are the full recognized key
// set: the field order here is also the order Signature joins them in, so it must never be reordered independently of §6.3.
type StrategyParams struct {
	BaseHalfSpreadBps float64 `mapstructure:"base_half_spread_bps"`
	VolSpreadGain     float64 `mapstructure:"vol_spread_gain"`
	ToxSpreadGain     float64 `mapstructure:"tox_spread_gain"`
	QuoteSizeUSD      float64 `mapstructure:"quote_size_usd"`
	RefreshIntervalMs int64   `mapstructure:"refresh_interval_ms"`
	StaleCancelMs     int64   `mapstructure:"stale_cancel_ms"`
	MaxInventory      float64 `mapstructure:"max_inventory"`
	InventorySkewGain float64 `mapstructure:"inventory_skew_gain"`
	PauseMarkIndexBps float64 `mapstructure:"pause_mark_index_bps"`
	PauseLiqCount10s  int64   `mapstructure:"pause_liq_count_10s"`
}

// Signature returns the stable, pipe-joined stringification of the ten
// recognized keys in §6.3 order. Two params sets compare equal under
// Signature iff they agree on all ten recognized fields — nothing else
// about a StrategyParams value feeds into it.
func (p StrategyParams) Signature() string {
	return fmt.Sprintf(
		"%s|%s|%s|%s|%d|%d|%s|%s|%s|%d",
		formatFloat(p.BaseHalfSpreadBps),
		formatFloat(p.VolSpreadGain),
		formatFloat(p.ToxSpreadGain),
		formatFloat(p.QuoteSizeUSD),
		p.RefreshIntervalMs,
		p.StaleCancelMs,
		formatFloat(p.MaxInventory),
		formatFloat(p.InventorySkewGain),
		formatFloat(p.PauseMarkIndexBps),
		p.PauseLiqCount10s,
	)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Features is the FeatureEngine's (C4) per-tick derived feature set.
type Features struct {
	MidPrice         float64
	MicroPrice       float64
	SpreadBps        float64
	TradeImbalance1s float64
	RealizedVol10s   float64
	MarkIndexGapBps  float64
	FundingRate      float64
	LiqCount10s      int
	Toxic            bool // coarse toxicity flag (§3)
	ComputedAt       time.Time
}

// IntentKind distinguishes the two intent variants the DecisionEngine
// (C5) ever emits (§3).
type IntentKind string

const (
	IntentQuote     IntentKind = "quote"
	IntentCancelAll IntentKind = "cancel_all"
)

// Intent is the DecisionEngine's (C5) declarative output: what the
// engine wants to be doing this tick, before the ExecutionPlanner turns
// it into concrete venue actions.
type Intent struct {
	Kind          IntentKind
	BidPx         float64 // set for IntentQuote; 0 means "don't quote this side"
	AskPx         float64
	Size          float64
	HalfSpreadBps float64 // carried for logging/telemetry, not re-derived downstream
	SkewBps       float64
}

// PlannedActionKind distinguishes the three action types an ExecutionPlanner
// (C6) ever emits.
type PlannedActionKind string

const (
	PlannedActionCancel    PlannedActionKind = "cancel"
	PlannedActionPlace     PlannedActionKind = "place"
	PlannedActionCancelAll PlannedActionKind = "cancel_all"
)

// PlannedAction is one element of an ExecutionPlanner plan.
type PlannedAction struct {
	Kind          PlannedActionKind
	ClientOrderID string // set for Place; the new order's id
	TargetOrderID string // set for Cancel; the tracked order's tracking key
	Side          Side
	Price         string
	Size          string
}

// OrderEventRecord and FillRecord are the persisted-event shapes (§6.4).
// Both stamp the symbol, the strategy mode, and the params-set id that
// were current when the event was observed, so a downstream consumer can
// attribute every event to the parameter set that produced it.
type OrderEventRecord struct {
	Symbol          string      `json:"symbol"`
	ClientOrderID   string      `json:"clientOrderId"`
	ExchangeOrderID string      `json:"exchangeOrderId"`
	Side            Side        `json:"side,omitempty"`
	Price           string      `json:"price,omitempty"`
	Size            string      `json:"size,omitempty"`
	Status          OrderStatus `json:"status"`
	Mode            Mode        `json:"mode"`
	ParamsSetID     string      `json:"paramsSetId"`
	Timestamp       time.Time   `json:"timestamp"`
}

type FillRecord struct {
	Symbol          string    `json:"symbol"`
	ClientOrderID   string    `json:"clientOrderId"`
	ExchangeOrderID string    `json:"exchangeOrderId"`
	Side            Side      `json:"side"`
	Price           string    `json:"price"`
	Size            string    `json:"size"`
	Fee             string    `json:"fee"`
	Liquidity       Liquidity `json:"liquidity"`
	Mode            Mode      `json:"mode"`
	ParamsSetID     string    `json:"paramsSetId"`
	Timestamp       time.Time `json:"timestamp"`
}
