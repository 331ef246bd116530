// Command engine runs the market-making core for a single venue/symbol
// pair: market-data ingest, feature/decision, execution planning, and
// reconciliation, as one process. The teacher's binary covered a pool of
// markets driven by a scanner; this one drives a single symbol named by
// config, the scope spec.md sets for this core.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/tickloop          — orchestrator: READ -> reconcile -> DECIDE -> PLAN -> EXECUTE every tick
//	internal/marketdata        — BBO/mark/index/funding cache plus rolling trade/mid windows
//	internal/features          — derives spread/imbalance/volatility/toxicity from the cache
//	internal/decision          — stale/toxicity/inventory transition table, emits quote/cancel-all intents
//	internal/planner           — diffs an intent against live orders into place/cancel actions
//	internal/overlay           — fill-starvation spread tightening
//	internal/ordertracker      — single-writer map of resting orders
//	internal/position          — signed net position, weighted entry, realized/unrealized PnL
//	internal/venue             — REST + websocket adapter for the market-data and execution ports
//	internal/paramsource       — hot-reloads strategy params from a local file on a signature change
//	internal/eventsink         — persists order/fill events as newline-delimited JSON
//	internal/dashboard         — periodic status line
//	internal/health            — auth-failure probe
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perp-mm/internal/config"
	"perp-mm/internal/dashboard"
	"perp-mm/internal/eventsink"
	"perp-mm/internal/health"
	"perp-mm/internal/marketdata"
	"perp-mm/internal/ordertracker"
	"perp-mm/internal/paramsource"
	"perp-mm/internal/position"
	"perp-mm/internal/tickloop"
	"perp-mm/internal/venue"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	market := venue.NewMarketFeed(cfg.Venue.WSMarketURL, cfg.Venue.Symbol, logger)
	exec := venue.NewExecutionAdapter(cfg.Venue.RESTBaseURL, cfg.Venue.WSUserURL, cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.DryRun, logger)

	cache := marketdata.NewCache()
	tracker := ordertracker.New()
	pos := position.New()
	probe := health.New(cfg.Risk.MaxConsecutiveAuthErrors)

	sink, err := eventsink.New(cfg.EventSink.DataDir, logger)
	if err != nil {
		logger.Error("failed to create event sink", "error", err)
		os.Exit(1)
	}

	paramsPath := cfg.EventSink.ParamsFile
	if paramsPath == "" {
		paramsPath = cfgPath
	}
	params, err := paramsource.New(paramsPath, logger)
	if err != nil {
		logger.Error("failed to load strategy params", "error", err)
		os.Exit(1)
	}

	loop := tickloop.New(*cfg, market, exec, cache, tracker, pos, sink, params, probe, logger)

	var reporter *dashboard.Reporter
	if cfg.Dashboard.Enabled {
		reporter = dashboard.New(cache, tracker, pos, probe, loop.Mode, logger)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("engine starting",
		"exchange", cfg.Venue.Exchange,
		"symbol", cfg.Venue.Symbol,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())

	// Shutdown sequence on signal: cancel the tick loop's context (it
	// performs a best-effort cancel-all and final event flush internally
	// before Run returns), wait for it to finish, then close the feed
	// connections and exit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	if reporter != nil {
		go reporter.Run(ctx, cfg.Dashboard.Interval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	<-done

	if err := market.Close(); err != nil {
		logger.Error("failed to close market feed", "error", err)
	}
	if err := exec.Close(); err != nil {
		logger.Error("failed to close execution feed", "error", err)
	}

	logger.Info("engine stopped")
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
