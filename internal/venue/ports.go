// Package venue defines the narrow ports the core trades through (§6.1,
// §6.2) and provides one concrete adapter built on a REST client and two
// websocket feeds.
package venue

import (
	"context"

	"perp-mm/pkg/types"
)

// MarketDataPort streams market data events for a single symbol (§6.1).
// Events carry a per-stream Sequence; the adapter itself detects gaps in
// it and forces a reconnect, so callers see only the events.
type MarketDataPort interface {
	BBOEvents() <-chan types.BBOUpdate
	TradeEvents() <-chan types.Trade
	MarkEvents() <-chan types.MarkUpdate
	IndexEvents() <-chan types.IndexUpdate
	FundingEvents() <-chan types.FundingUpdate
	Errors() <-chan error
	Run(ctx context.Context) error
	Close() error
}

// ExecutionPort places/cancels orders and streams account events (§6.2).
type ExecutionPort interface {
	PlaceOrder(ctx context.Context, clientOrderID string, side types.Side, price, size string, orderType types.OrderType) (types.OrderAck, error)
	// CancelOrder requires at least one of the two ids; orders placed
	// outside this process are cancellable by exchange id alone.
	CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error
	CancelAll(ctx context.Context) error
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	GetPosition(ctx context.Context) (*types.VenuePosition, error)
	OrderEvents() <-chan types.OrderAck
	FillEvents() <-chan types.Fill
	Errors() <-chan error
	Run(ctx context.Context) error
	Close() error
}
