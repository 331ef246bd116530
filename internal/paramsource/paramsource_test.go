package paramsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"
)

const baseYAML = `
base_half_spread_bps: 8
vol_spread_gain: 1
tox_spread_gain: 1
quote_size_usd: 100
refresh_interval_ms: 1000
stale_cancel_ms: 5000
max_inventory: 1000
inventory_skew_gain: 0.1
pause_mark_index_bps: 50
pause_liq_count_10s: 3
`

const changedYAML = `
base_half_spread_bps: 12
vol_spread_gain: 1
tox_spread_gain: 1
quote_size_usd: 100
refresh_interval_ms: 1000
stale_cancel_ms: 5000
max_inventory: 1000
inventory_skew_gain: 0.1
pause_mark_index_bps: 50
pause_liq_count_10s: 3
`

func writeParams(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "params.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}
	return path
}

func TestNewLoadsInitialSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeParams(t, dir, baseYAML)

	src, err := New(path, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := src.Current()
	if snap.Params.BaseHalfSpreadBps != 8 {
		t.Errorf("BaseHalfSpreadBps = %v, want 8", snap.Params.BaseHalfSpreadBps)
	}
	if snap.SetID == "" {
		t.Error("SetID should be non-empty")
	}
}

func TestRunSwapsOnSignatureChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeParams(t, dir, baseYAML)

	src, err := New(path, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	initialSig := src.Current().Signature

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changeCh := make(chan Snapshot, 1)
	go src.Run(ctx, 5*time.Millisecond, func(s Snapshot) {
		select {
		case changeCh <- s:
		default:
		}
	})

	time.Sleep(10 * time.Millisecond)
	writeParams(t, dir, changedYAML)

	select {
	case snap := <-changeCh:
		if snap.Signature == initialSig {
			t.Error("signature should differ after params change")
		}
		if snap.Params.BaseHalfSpreadBps != 12 {
			t.Errorf("BaseHalfSpreadBps = %v, want 12", snap.Params.BaseHalfSpreadBps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for params change callback")
	}
}

func TestLoadFailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeParams(t, dir, baseYAML)

	src, err := New(path, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := src.Current()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove params file: %v", err)
	}
	src.pollOnce(nil)

	after := src.Current()
	if after.Signature != before.Signature {
		t.Error("a failed reload should not change the current snapshot")
	}
}
