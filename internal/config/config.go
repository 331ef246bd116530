// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perp-mm/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                 `mapstructure:"dry_run"`
	Venue     VenueConfig          `mapstructure:"venue"`
	Strategy  types.StrategyParams `mapstructure:"strategy"`
	Risk      RiskConfig           `mapstructure:"risk"`
	Overlay   OverlayConfig        `mapstructure:"overlay"`
	Timing    TimingConfig         `mapstructure:"timing"`
	EventSink EventSinkConfig      `mapstructure:"event_sink"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Dashboard DashboardConfig      `mapstructure:"dashboard"`
}

// VenueConfig identifies which exchange and symbol this process trades,
// and the credentials/endpoints of the venue port (§6.2).
type VenueConfig struct {
	Exchange    string          `mapstructure:"exchange"`
	Symbol      string          `mapstructure:"symbol"`
	RESTBaseURL string          `mapstructure:"rest_base_url"`
	WSMarketURL string          `mapstructure:"ws_market_url"`
	WSUserURL   string          `mapstructure:"ws_user_url"`
	APIKey      string          `mapstructure:"api_key"`
	APISecret   string          `mapstructure:"api_secret"`
	Increment   types.Increment `mapstructure:"increment"`
	LotStep     string          `mapstructure:"lot_step"` // decimal string, size rounding granularity
}

// RiskConfig sets the predicate thresholds the DecisionEngine (§4.5)
// evaluates every tick. Unlike StrategyParams (§6.3), these are not
// hot-reloadable via the params signature — they are process-level risk
// bounds, loaded once at boot.
type RiskConfig struct {
	StaleMs                     int64   `mapstructure:"stale_ms"`
	WideSpreadCutoffBps         float64 `mapstructure:"wide_spread_cutoff_bps"`
	PauseLingerMs               int64   `mapstructure:"pause_linger_ms"`
	InventoryTolerance          float64 `mapstructure:"inventory_tolerance"` // multiplier on maxInventory for the DEFENSIVE trigger
	DefensiveVolThresholdBps    float64 `mapstructure:"defensive_vol_threshold_bps"`
	DefensiveImbalanceThreshold float64 `mapstructure:"defensive_imbalance_threshold"`
	MaxConsecutiveAuthErrors    int     `mapstructure:"max_consecutive_auth_errors"`
}

// OverlayConfig tunes the ParamsOverlay's (C7) fill-starvation tightening
// behavior (§4.7).
type OverlayConfig struct {
	NoFillWindowMs       int64   `mapstructure:"no_fill_window_ms"`
	TightenStepBps       float64 `mapstructure:"tighten_step_bps"`
	TightenIntervalMs    int64   `mapstructure:"tighten_interval_ms"`
	MinBaseHalfSpreadBps float64 `mapstructure:"min_base_half_spread_bps"`
}

// TimingConfig carries the process controls of §6.5.
type TimingConfig struct {
	TickIntervalMs              int64 `mapstructure:"tick_interval_ms"`
	EventFlushIntervalMs        int64 `mapstructure:"event_flush_interval_ms"`
	StatePersistIntervalMs      int64 `mapstructure:"state_persist_interval_ms"`
	ParamsRefreshIntervalMs     int64 `mapstructure:"params_refresh_interval_ms"`
	PeriodicReconcileIntervalMs int64 `mapstructure:"periodic_reconcile_interval_ms"`
	OpenOrdersSyncIntervalMs    int64 `mapstructure:"open_orders_sync_interval_ms"`
	VenueCallTimeoutMs          int64 `mapstructure:"venue_call_timeout_ms"`
}

func (t TimingConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

func (t TimingConfig) EventFlushInterval() time.Duration {
	return time.Duration(t.EventFlushIntervalMs) * time.Millisecond
}

func (t TimingConfig) StatePersistInterval() time.Duration {
	return time.Duration(t.StatePersistIntervalMs) * time.Millisecond
}

func (t TimingConfig) ParamsRefreshInterval() time.Duration {
	return time.Duration(t.ParamsRefreshIntervalMs) * time.Millisecond
}

func (t TimingConfig) PeriodicReconcileInterval() time.Duration {
	return time.Duration(t.PeriodicReconcileIntervalMs) * time.Millisecond
}

func (t TimingConfig) OpenOrdersSyncInterval() time.Duration {
	return time.Duration(t.OpenOrdersSyncIntervalMs) * time.Millisecond
}

func (t TimingConfig) VenueCallTimeout() time.Duration {
	return time.Duration(t.VenueCallTimeoutMs) * time.Millisecond
}

// EventSinkConfig sets where order/fill events are persisted locally
// pending shipment to long-term storage (§6.4).
type EventSinkConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	ParamsFile string `mapstructure:"params_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status-line reporter.
type DashboardConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_API_KEY, MM_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timing.tick_interval_ms", 250)
	v.SetDefault("timing.event_flush_interval_ms", 1000)
	v.SetDefault("timing.state_persist_interval_ms", 5000)
	v.SetDefault("timing.params_refresh_interval_ms", 10000)
	v.SetDefault("timing.periodic_reconcile_interval_ms", 30000)
	v.SetDefault("timing.open_orders_sync_interval_ms", 5000)
	v.SetDefault("timing.venue_call_timeout_ms", 5000)
	v.SetDefault("venue.increment", string(types.IncrementMedium))
	v.SetDefault("venue.lot_step", "0.01")

	// The §6.5 process controls are also read under their bare env names.
	_ = v.BindEnv("timing.tick_interval_ms", "MM_TIMING_TICK_INTERVAL_MS", "TICK_INTERVAL_MS")
	_ = v.BindEnv("timing.event_flush_interval_ms", "MM_TIMING_EVENT_FLUSH_INTERVAL_MS", "EVENT_FLUSH_INTERVAL_MS")
	_ = v.BindEnv("timing.state_persist_interval_ms", "MM_TIMING_STATE_PERSIST_INTERVAL_MS", "STATE_PERSIST_INTERVAL_MS")
	_ = v.BindEnv("timing.params_refresh_interval_ms", "MM_TIMING_PARAMS_REFRESH_INTERVAL_MS", "PARAMS_REFRESH_INTERVAL_MS")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if exchange := os.Getenv("EXCHANGE"); exchange != "" {
		cfg.Venue.Exchange = exchange
	}
	if symbol := os.Getenv("SYMBOL"); symbol != "" {
		cfg.Venue.Symbol = symbol
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.Exchange == "" {
		return fmt.Errorf("venue.exchange is required (set EXCHANGE)")
	}
	if c.Venue.Symbol == "" {
		return fmt.Errorf("venue.symbol is required (set SYMBOL)")
	}
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Strategy.QuoteSizeUSD <= 0 {
		return fmt.Errorf("strategy.quote_size_usd must be > 0")
	}
	if c.Strategy.MaxInventory <= 0 {
		return fmt.Errorf("strategy.max_inventory must be > 0")
	}
	if c.Strategy.BaseHalfSpreadBps <= 0 {
		return fmt.Errorf("strategy.base_half_spread_bps must be > 0")
	}
	if c.Overlay.MinBaseHalfSpreadBps > c.Strategy.BaseHalfSpreadBps {
		return fmt.Errorf("overlay.min_base_half_spread_bps must be <= strategy.base_half_spread_bps")
	}
	if c.Timing.TickIntervalMs <= 0 {
		return fmt.Errorf("timing.tick_interval_ms must be > 0")
	}
	return nil
}
