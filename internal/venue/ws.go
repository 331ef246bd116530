// ws.go implements the websocket half of the venue port: a market-data
// feed (BBO/trade/mark/index/funding) and a user feed (order/fill
// events). Both auto-reconnect with exponential backoff (1s → 30s) on
// any read error. The market feed additionally forces a reconnect on a
// sequence gap in the book-derived streams (BBO/mark/index), since a
// missed update there leaves the cache wrong until the next overwrite;
// trade and funding gaps are logged only, a missed print just shrinks a
// rolling window.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	minReconnectWait = 1 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// sequenceTracker detects gaps in a monotonically increasing sequence
// number. From the second observation on, a gap is a forward jump past
// last+1; a duplicate or an older (replayed) value is not a gap.
type sequenceTracker struct {
	have bool
	last int64
}

// Observe returns true if seq is the next expected value (or the first
// value ever seen), false if a gap was detected.
func (s *sequenceTracker) Observe(seq int64) bool {
	if !s.have {
		s.have = true
		s.last = seq
		return true
	}
	ok := seq == s.last+1 || seq <= s.last // allow resend/duplicate, just not a forward gap
	if seq > s.last {
		s.last = seq
	}
	return ok
}

// MarketFeed streams BBO, trade, mark, index, and funding events for a
// single symbol.
type MarketFeed struct {
	url    string
	symbol string

	connMu sync.Mutex
	conn   *websocket.Conn

	bboCh     chan types.BBOUpdate
	tradeCh   chan types.Trade
	markCh    chan types.MarkUpdate
	indexCh   chan types.IndexUpdate
	fundingCh chan types.FundingUpdate
	errCh     chan error

	bboSeq     sequenceTracker
	tradeSeq   sequenceTracker
	markSeq    sequenceTracker
	indexSeq   sequenceTracker
	fundingSeq sequenceTracker

	logger *slog.Logger
}

// NewMarketFeed creates a market-data feed for the given symbol.
func NewMarketFeed(wsURL, symbol string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:       wsURL,
		symbol:    symbol,
		bboCh:     make(chan types.BBOUpdate, eventBufferSize),
		tradeCh:   make(chan types.Trade, eventBufferSize),
		markCh:    make(chan types.MarkUpdate, eventBufferSize),
		indexCh:   make(chan types.IndexUpdate, eventBufferSize),
		fundingCh: make(chan types.FundingUpdate, eventBufferSize),
		errCh:     make(chan error, 16),
		logger:    logger.With("component", "venue_market_feed"),
	}
}

func (f *MarketFeed) BBOEvents() <-chan types.BBOUpdate         { return f.bboCh }
func (f *MarketFeed) TradeEvents() <-chan types.Trade           { return f.tradeCh }
func (f *MarketFeed) MarkEvents() <-chan types.MarkUpdate       { return f.markCh }
func (f *MarketFeed) IndexEvents() <-chan types.IndexUpdate     { return f.indexCh }
func (f *MarketFeed) FundingEvents() <-chan types.FundingUpdate { return f.fundingCh }
func (f *MarketFeed) Errors() <-chan error                      { return f.errCh }

// Run connects and maintains the connection with auto-reconnect, forcing
// a fresh connection whenever a sequence gap is observed on the BBO, mark,
// or index stream (trade and funding gaps are only logged).
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := minReconnectWait

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("market feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case f.errCh <- err:
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// A fresh connection resets every stream's sequence expectation —
	// the venue is expected to replay a full snapshot on (re)subscribe.
	f.bboSeq = sequenceTracker{}
	f.tradeSeq = sequenceTracker{}
	f.markSeq = sequenceTracker{}
	f.indexSeq = sequenceTracker{}
	f.fundingSeq = sequenceTracker{}

	if err := f.writeJSON(map[string]any{"op": "subscribe", "symbol": f.symbol}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("market feed connected", "symbol", f.symbol)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if gap := f.dispatchMessage(msg); gap {
			return fmt.Errorf("sequence gap detected, forcing reconnect")
		}
	}
}

// dispatchMessage routes by event type and returns true if a sequence
// gap was detected on the stream the message belongs to.
func (f *MarketFeed) dispatchMessage(data []byte) bool {
	var envelope struct {
		EventType string `json:"event_type"`
		Sequence  int64  `json:"sequence"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return false
	}

	switch envelope.EventType {
	case "bbo":
		var evt types.BBOUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal bbo", "error", err)
			return false
		}
		if !f.bboSeq.Observe(evt.Sequence) {
			return true
		}
		select {
		case f.bboCh <- evt:
		default:
			f.logger.Warn("bbo channel full, dropping event")
		}
	case "trade":
		var evt types.Trade
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return false
		}
		if !f.tradeSeq.Observe(evt.Sequence) {
			f.logger.Warn("trade stream sequence gap", "sequence", evt.Sequence)
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event")
		}
	case "mark":
		var evt types.MarkUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal mark", "error", err)
			return false
		}
		if !f.markSeq.Observe(evt.Sequence) {
			return true
		}
		select {
		case f.markCh <- evt:
		default:
			f.logger.Warn("mark channel full, dropping event")
		}
	case "index":
		var evt types.IndexUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal index", "error", err)
			return false
		}
		if !f.indexSeq.Observe(evt.Sequence) {
			return true
		}
		select {
		case f.indexCh <- evt:
		default:
			f.logger.Warn("index channel full, dropping event")
		}
	case "funding":
		var evt types.FundingUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal funding", "error", err)
			return false
		}
		if !f.fundingSeq.Observe(evt.Sequence) {
			f.logger.Warn("funding stream sequence gap", "sequence", evt.Sequence)
		}
		select {
		case f.fundingCh <- evt:
		default:
			f.logger.Warn("funding channel full, dropping event")
		}
	default:
		f.logger.Debug("unknown market event type", "type", envelope.EventType)
	}
	return false
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// UserFeed streams order and fill events for the authenticated account,
// and is composed with Client to form the full ExecutionPort.
type UserFeed struct {
	url  string
	auth *Auth

	connMu sync.Mutex
	conn   *websocket.Conn

	orderCh chan types.OrderAck
	fillCh  chan types.Fill
	errCh   chan error

	logger *slog.Logger
}

// NewUserFeed creates an authenticated user-event feed.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		url:     wsURL,
		auth:    auth,
		orderCh: make(chan types.OrderAck, eventBufferSize),
		fillCh:  make(chan types.Fill, eventBufferSize),
		errCh:   make(chan error, 16),
		logger:  logger.With("component", "venue_user_feed"),
	}
}

func (f *UserFeed) OrderEvents() <-chan types.OrderAck { return f.orderCh }
func (f *UserFeed) FillEvents() <-chan types.Fill      { return f.fillCh }
func (f *UserFeed) Errors() <-chan error               { return f.errCh }

func (f *UserFeed) Run(ctx context.Context) error {
	backoff := minReconnectWait
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("user feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case f.errCh <- err:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *UserFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *UserFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	headers, err := f.auth.Headers("GET", "/ws/user", "")
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := f.writeJSON(map[string]any{"op": "auth", "headers": headers}); err != nil {
		return fmt.Errorf("auth subscribe: %w", err)
	}

	f.logger.Info("user feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				f.connMu.Lock()
				if f.conn != nil {
					f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					f.conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				}
				f.connMu.Unlock()
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *UserFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	switch envelope.EventType {
	case "order":
		var evt types.OrderAck
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event")
		}
	case "fill":
		var evt types.Fill
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt:
		default:
			f.logger.Warn("fill channel full, dropping event")
		}
	default:
		f.logger.Debug("unknown user event type", "type", envelope.EventType)
	}
}

func (f *UserFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
