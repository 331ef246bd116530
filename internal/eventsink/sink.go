// Package eventsink implements the persisted-event interface (§6.4): a
// bounded queue feeding a background flusher that appends newline-
// delimited JSON records to disk, writing atomically via the teacher's
// tmp-then-rename idiom from internal/store/store.go.
package eventsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

// record is the tagged envelope written to disk; exactly one of the
// payload fields is set.
type record struct {
	Kind       string                  `json:"kind"`
	OrderEvent *types.OrderEventRecord `json:"orderEvent,omitempty"`
	Fill       *types.FillRecord       `json:"fill,omitempty"`
	Position   *PositionRecord         `json:"position,omitempty"`
}

// PositionRecord is the periodic position snapshot written on
// STATE_PERSIST_INTERVAL_MS, so a restarted process (or an operator) can
// recover the last known position without replaying the fill log.
type PositionRecord struct {
	Symbol        string     `json:"symbol"`
	Size          string     `json:"size"`
	AvgEntryPrice string     `json:"avgEntryPrice"`
	RealizedPnL   string     `json:"realizedPnl"`
	UnrealizedPnL string     `json:"unrealizedPnl"`
	Mode          types.Mode `json:"mode"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Sink enqueues order-event and fill records and flushes them to a local
// file periodically and on shutdown. Enqueue never blocks the caller: a
// full queue drops the oldest pending record rather than stalling the
// tick loop, the one place this core accepts data loss under sustained
// overload.
type Sink struct {
	dir    string
	mu     sync.Mutex
	queue  []record
	maxLen int
	logger *slog.Logger
}

// New creates an event sink backed by dir, creating it if necessary.
func New(dir string, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event sink dir: %w", err)
	}
	return &Sink{dir: dir, maxLen: 10_000, logger: logger}, nil
}

// EnqueueOrderEvent queues an order-event record for the next flush.
func (s *Sink) EnqueueOrderEvent(r types.OrderEventRecord) {
	s.enqueue(record{Kind: "order_event", OrderEvent: &r})
}

// EnqueueFill queues a fill record for the next flush.
func (s *Sink) EnqueueFill(r types.FillRecord) {
	s.enqueue(record{Kind: "fill", Fill: &r})
}

// EnqueuePosition queues a position snapshot for the next flush.
func (s *Sink) EnqueuePosition(r PositionRecord) {
	s.enqueue(record{Kind: "position", Position: &r})
}

func (s *Sink) enqueue(r record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.maxLen {
		s.queue = s.queue[1:]
		s.logger.Warn("event sink queue full, dropping oldest record")
	}
	s.queue = append(s.queue, r)
}

// Flush appends every queued record to the day's event file and clears
// the queue. On write failure the records are re-queued so no data is
// lost within this process's lifetime (§6.4).
func (s *Sink) Flush() error {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range pending {
		if err := enc.Encode(r); err != nil {
			s.requeue(pending)
			return fmt.Errorf("encode event records: %w", err)
		}
	}

	path := filepath.Join(s.dir, fmt.Sprintf("events-%s.ndjson", time.Now().UTC().Format("2006-01-02")))
	if err := appendAtomic(path, buf.Bytes()); err != nil {
		s.requeue(pending)
		return fmt.Errorf("flush event records: %w", err)
	}
	return nil
}

func (s *Sink) requeue(pending []record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(pending, s.queue...)
}

// appendAtomic appends data to path by writing the combined content to a
// temp file and renaming over the target, the same crash-safe pattern the
// teacher uses for position persistence.
func appendAtomic(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	tmp := path + ".tmp"
	combined := append(existing, data...)
	if err := os.WriteFile(tmp, combined, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Run periodically flushes the queue until stop is closed, performing a
// final flush before returning so shutdown never drops pending records.
func (s *Sink) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if err := s.Flush(); err != nil {
				s.logger.Error("final event flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("event flush failed", "error", err)
			}
		}
	}
}
