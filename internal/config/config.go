// Package config defines all configuration for the platform. Config is
// loaded from an optional YAML file with every knob overridable via the
// environment variables listed alongside each field.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; env overrides use the upper-cased dotted path with "_" as the
// separator (news.cycle_interval_ms → NEWS_CYCLE_INTERVAL_MS).
type Config struct {
	News       NewsConfig       `mapstructure:"news"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Circuit    CircuitConfig    `mapstructure:"circuit"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// NewsConfig tunes the news ingestion and clustering pipeline.
type NewsConfig struct {
	CycleIntervalMs         int      `mapstructure:"cycle_interval_ms"`
	Categories              []string `mapstructure:"categories"`
	RotationMode            bool    `mapstructure:"rotation_mode"`
	QueriesPerCategory      int     `mapstructure:"queries_per_category"`
	VectorDistanceThreshold float64 `mapstructure:"vector_distance_threshold"`
	VectorFilterByCategory  bool    `mapstructure:"vector_filter_by_category"`
	UseGLM                  bool    `mapstructure:"use_glm"`
	EnhancedSemantic        bool    `mapstructure:"enhanced_semantic"`
	EnhancedClustering      bool    `mapstructure:"enhanced_clustering"`
	ClusterBatchSize        int     `mapstructure:"cluster_batch_size"`

	// Off, merged unique-title counts stay monotonic: the source count is
	// added to the target as-is. On, the count is recomputed from the
	// merged link union, so titles shared across the pair collapse.
	DecrementUniqueTitlesOnMerge bool `mapstructure:"decrement_unique_titles_on_merge"`
}

// PredictionConfig tunes the prediction-market agent.
//
//   - PaperBalance: starting cash for the paper venue.
//   - PaperTrading: false switches order placement to live gating.
//   - OrderTimeoutMs: pending orders older than this are cancelled.
//   - MaxSlippagePct: live-trading slippage cap on buys.
type PredictionConfig struct {
	PaperBalance   float64 `mapstructure:"paper_balance"`
	PaperTrading   bool    `mapstructure:"paper_trading"`
	OrderTimeoutMs int     `mapstructure:"order_timeout_ms"`
	MaxSlippagePct float64 `mapstructure:"max_slippage_pct"`

	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxDailyLossUsd        float64 `mapstructure:"max_daily_loss_usd"`
	MaxDailyTrades         int     `mapstructure:"max_daily_trades"`
	MaxPortfolioHeatPct    float64 `mapstructure:"max_portfolio_heat_pct"`
	MaxPositions           int     `mapstructure:"max_positions"`
	MaxPositionPct         float64 `mapstructure:"max_position_pct"`
	CooldownMinutes        int     `mapstructure:"cooldown_minutes"`
	CooldownAfterWinMin    int     `mapstructure:"cooldown_after_win_min"`
	StopLossPct            float64 `mapstructure:"stop_loss_pct"`
	EnableCorrelationCheck bool    `mapstructure:"enable_correlation_check"`
	MaxCorrelatedPos       int     `mapstructure:"max_correlated_pos"`
	EmergencyStopLoss      float64 `mapstructure:"emergency_stop_loss"`
	// Market-quality gates; zero disables each.
	MinMarketVolume  float64 `mapstructure:"min_market_volume"`
	MaxMarketAgeDays int     `mapstructure:"max_market_age_days"`

	// Orphan venue orders found by the reconciler are reported, not
	// auto-cancelled; closing them is an operator decision.
	ReconcileAutoCloseOrphans bool `mapstructure:"reconcile_auto_close_orphans"`
	// Sells exit at whatever the book offers; the slippage cap applies
	// to buys only.
	SlippageGateOnSell bool `mapstructure:"slippage_gate_on_sell"`
}

// PolymarketConfig holds the upstream HTTP endpoints.
type PolymarketConfig struct {
	APIBase  string `mapstructure:"api_base"`
	CLOBBase string `mapstructure:"clob_base"`
}

// CircuitConfig tunes the shared circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetAfter       time.Duration `mapstructure:"reset_after"`
	// Non-429 4xx responses indicate caller bugs, not provider outages,
	// and do not count toward opening a breaker.
	CountNon429ClientErrs bool `mapstructure:"count_non429_client_errs"`
}

// SnapshotConfig tunes the snapshot service.
type SnapshotConfig struct {
	FullInterval time.Duration `mapstructure:"full_interval"`
	Retention    time.Duration `mapstructure:"retention"`
	MaxInMemory  int           `mapstructure:"max_in_memory"`
}

// DatabaseConfig points at the Postgres instance. Empty URL runs the
// pipelines on in-memory stores.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig points at the Redis instance used for the cross-process bus.
// Empty Addr keeps the bus in-process.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Env aliases recognized for compatibility with earlier deployments.
var envAliases = map[string][]string{
	"news.enhanced_semantic":   {"USE_ENHANCED_SEMANTIC_CLUSTERING"},
	"news.enhanced_clustering": {"ENHANCED_CLUSTERING_ENABLED", "USE_ENHANCED_CLUSTERING"},
	"news.cluster_batch_size":  {"CLUSTER_BATCH_SIZE"},
}

// Load reads config from an optional YAML file with env var overrides.
// An empty path skips the file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		args := append([]string{key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("news.cycle_interval_ms", 60000)
	v.SetDefault("news.categories", []string{"crypto", "macro", "regulation", "technology", "geopolitics"})
	v.SetDefault("news.rotation_mode", false)
	v.SetDefault("news.queries_per_category", 3)
	v.SetDefault("news.vector_distance_threshold", 0.65)
	v.SetDefault("news.vector_filter_by_category", true)
	v.SetDefault("news.use_glm", false)
	v.SetDefault("news.enhanced_semantic", true)
	v.SetDefault("news.enhanced_clustering", true)
	v.SetDefault("news.cluster_batch_size", 20)
	v.SetDefault("news.decrement_unique_titles_on_merge", false)

	v.SetDefault("prediction.paper_balance", 10000.0)
	v.SetDefault("prediction.paper_trading", true)
	v.SetDefault("prediction.order_timeout_ms", 30000)
	v.SetDefault("prediction.max_slippage_pct", 0.02)
	v.SetDefault("prediction.max_daily_loss_pct", 0.02)
	v.SetDefault("prediction.max_daily_loss_usd", 100.0)
	v.SetDefault("prediction.max_daily_trades", 5)
	v.SetDefault("prediction.max_portfolio_heat_pct", 0.30)
	v.SetDefault("prediction.max_positions", 10)
	v.SetDefault("prediction.max_position_pct", 0.05)
	v.SetDefault("prediction.cooldown_minutes", 30)
	v.SetDefault("prediction.cooldown_after_win_min", 5)
	v.SetDefault("prediction.stop_loss_pct", 0.20)
	v.SetDefault("prediction.enable_correlation_check", true)
	v.SetDefault("prediction.max_correlated_pos", 2)
	v.SetDefault("prediction.emergency_stop_loss", 0.05)
	v.SetDefault("prediction.min_market_volume", 0.0)
	v.SetDefault("prediction.max_market_age_days", 0)
	v.SetDefault("prediction.reconcile_auto_close_orphans", false)
	v.SetDefault("prediction.slippage_gate_on_sell", false)

	v.SetDefault("polymarket.api_base", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.clob_base", "https://clob.polymarket.com")

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_after", time.Minute)
	v.SetDefault("circuit.count_non429_client_errs", false)

	v.SetDefault("snapshot.full_interval", 5*time.Minute)
	v.SetDefault("snapshot.retention", 24*time.Hour)
	v.SetDefault("snapshot.max_in_memory", 100)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "polyflux")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.News.CycleIntervalMs <= 0 {
		return fmt.Errorf("news.cycle_interval_ms must be > 0")
	}
	if c.News.ClusterBatchSize <= 0 {
		return fmt.Errorf("news.cluster_batch_size must be > 0")
	}
	if c.News.VectorDistanceThreshold <= 0 || c.News.VectorDistanceThreshold > 1 {
		return fmt.Errorf("news.vector_distance_threshold must be in (0, 1]")
	}
	if c.Prediction.PaperBalance < 0 {
		return fmt.Errorf("prediction.paper_balance must be >= 0")
	}
	if c.Prediction.MaxPositionPct <= 0 || c.Prediction.MaxPositionPct > 1 {
		return fmt.Errorf("prediction.max_position_pct must be in (0, 1]")
	}
	if c.Prediction.StopLossPct <= 0 || c.Prediction.StopLossPct >= 1 {
		return fmt.Errorf("prediction.stop_loss_pct must be in (0, 1)")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be > 0")
	}
	if c.Polymarket.APIBase == "" || c.Polymarket.CLOBBase == "" {
		return fmt.Errorf("polymarket.api_base and polymarket.clob_base are required")
	}
	return nil
}

// NewsCycleInterval returns the cycle pacing as a duration.
func (c *Config) NewsCycleInterval() time.Duration {
	return time.Duration(c.News.CycleIntervalMs) * time.Millisecond
}

// OrderTimeout returns the pending-order max age as a duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Prediction.OrderTimeoutMs) * time.Millisecond
}
