// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SNIPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"overmind-engine/pkg/types"
)

// TradingMode selects Paper or Live execution.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradingMode TradingMode    `mapstructure:"trading_mode"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Inference   InferenceConfig `mapstructure:"inference"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Wallets     WalletsConfig  `mapstructure:"wallets"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Bridge      BridgeConfig   `mapstructure:"bridge"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// RiskConfig governs the global risk gate.
type RiskConfig struct {
	MaxPositionSize         decimal.Decimal            `mapstructure:"-"`
	MaxPositionSizeStr      string                     `mapstructure:"max_position_size"`
	MaxDailyLoss            decimal.Decimal            `mapstructure:"-"`
	MaxDailyLossStr         string                     `mapstructure:"max_daily_loss"`
	MinConfidenceThreshold  float64                    `mapstructure:"min_confidence_threshold"`
	StrategyRiskWeights     map[types.StrategyKind]float64 `mapstructure:"strategy_risk_weights"`
}

// InferenceConfig governs the inference client.
type InferenceConfig struct {
	TensorZeroGatewayURL string        `mapstructure:"tensorzero_gateway_url"`
	ModelName            string        `mapstructure:"model_name"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	AIConfidenceThreshold float64      `mapstructure:"ai_confidence_threshold"`
}

// ExecutionConfig governs the execution engine.
type ExecutionConfig struct {
	BundleEndpoint        string        `mapstructure:"bundle_endpoint"`
	MaxExecutionLatencyMs int64         `mapstructure:"max_execution_latency_ms"`
	MaxBundleSize         int           `mapstructure:"max_bundle_size"`
	PaperFeeBps           int64         `mapstructure:"paper_fee_bps"`
	PaperAIFeeBps         int64         `mapstructure:"paper_ai_fee_bps"`
	LiveFeeBps            int64         `mapstructure:"live_fee_bps"`
	AIEnabled             bool          `mapstructure:"ai_enabled"`
	PaperSyntheticDelay   time.Duration `mapstructure:"paper_synthetic_delay"`
}

// WalletConfigEntry is one parsed element of the managed_wallets list.
type WalletConfigEntry struct {
	ID          string
	KeyPath     string
	Type        types.WalletType
	RiskProfile string
	Allocation  float64
	// StrategyOverride narrows the wallet type's default strategy mix down
	// to the named strategies; empty means "use the type's full default
	// mix" (see the sixth, optional managed_wallets field).
	StrategyOverride []types.StrategyKind
}

// WalletsConfig governs the wallet registry and router.
type WalletsConfig struct {
	ManagedWallets        string        `mapstructure:"managed_wallets"`
	DefaultWallet         string        `mapstructure:"default_wallet"`
	MaxConcurrentWallets  int           `mapstructure:"max_concurrent_wallets"`
	BalanceCheckInterval  time.Duration `mapstructure:"balance_check_interval_sec"`
	EmergencyStopThreshold float64      `mapstructure:"emergency_stop_threshold"`
	SelectionTimeout      time.Duration `mapstructure:"wallet_selection_timeout_ms"`
	AutoRebalanceEnabled  bool          `mapstructure:"auto_rebalance_enabled"`
	RiskAggregationEnabled bool         `mapstructure:"risk_aggregation_enabled"`
}

// ParsedWallets parses the managed_wallets string into entries, per the
// id:keypath:type:risk_profile:allocation, comma-separated, with an
// optional sixth "|"-separated strategy-override field:
// id:keypath:type:risk_profile:allocation:strategy1|strategy2.
func (w WalletsConfig) ParsedWallets() ([]WalletConfigEntry, error) {
	raw := strings.TrimSpace(w.ManagedWallets)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]WalletConfigEntry, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Split(p, ":")
		if len(fields) != 5 && len(fields) != 6 {
			return nil, fmt.Errorf("managed_wallets entry %q: expected id:keypath:type:risk_profile:allocation[:strategy_override]", p)
		}
		alloc, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("managed_wallets entry %q: invalid allocation: %w", p, err)
		}
		if alloc < 0 || alloc > 1 {
			return nil, fmt.Errorf("managed_wallets entry %q: allocation must be in [0,1]", p)
		}
		var override []types.StrategyKind
		if len(fields) == 6 && fields[5] != "" {
			for _, s := range strings.Split(fields[5], "|") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				override = append(override, types.StrategyKind(strings.ToLower(s)))
			}
		}
		entries = append(entries, WalletConfigEntry{
			ID:               fields[0],
			KeyPath:          fields[1],
			Type:             types.WalletType(strings.ToLower(fields[2])),
			RiskProfile:      fields[3],
			Allocation:       alloc,
			StrategyOverride: override,
		})
	}
	return entries, nil
}

// PipelineConfig governs the pipeline supervisor.
type PipelineConfig struct {
	IngestWSURL        string        `mapstructure:"ingest_ws_url"`
	IngestQueueSize    int           `mapstructure:"ingest_queue_size"`
	StrategyQueueSize  int           `mapstructure:"strategy_queue_size"`
	RiskQueueSize      int           `mapstructure:"risk_queue_size"`
	RouterQueueSize    int           `mapstructure:"router_queue_size"`
	PersistenceQueueSize int         `mapstructure:"persistence_queue_size"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	WorkerThreads      int           `mapstructure:"worker_threads"`
	StrategyCooldown   time.Duration `mapstructure:"strategy_cooldown"`
	ErrorBudgetFailures int          `mapstructure:"error_budget_failures"`
	ErrorBudgetWindow  int           `mapstructure:"error_budget_window"`
}

// BridgeConfig governs the optional inference bridge.
type BridgeConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisDB          int           `mapstructure:"redis_db"`
	MaxDecisionAge   time.Duration `mapstructure:"max_decision_age"`
	ConfidenceThreshold float64    `mapstructure:"confidence_threshold"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	PopTimeout       time.Duration `mapstructure:"pop_timeout"`
}

// PersistenceConfig governs the execution-result store.
type PersistenceConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite"
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig governs the testable-property counters exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/operational fields use env vars: SNIPER_TRADING_MODE,
// SNIPER_MANAGED_WALLETS, SNIPER_MAX_DAILY_LOSS, SNIPER_MAX_POSITION_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if mode := os.Getenv("SNIPER_TRADING_MODE"); mode != "" {
		cfg.TradingMode = TradingMode(mode)
	}
	if wallets := os.Getenv("SNIPER_MANAGED_WALLETS"); wallets != "" {
		cfg.Wallets.ManagedWallets = wallets
	}
	if wallets := os.Getenv("OVERMIND_MANAGED_WALLETS"); wallets != "" {
		cfg.Wallets.ManagedWallets = wallets
	}
	if loss := os.Getenv("SNIPER_MAX_DAILY_LOSS"); loss != "" {
		cfg.Risk.MaxDailyLossStr = loss
	}
	if size := os.Getenv("SNIPER_MAX_POSITION_SIZE"); size != "" {
		cfg.Risk.MaxPositionSizeStr = size
	}

	if cfg.Risk.MaxPositionSizeStr != "" {
		d, err := decimal.NewFromString(cfg.Risk.MaxPositionSizeStr)
		if err != nil {
			return nil, fmt.Errorf("risk.max_position_size: %w", err)
		}
		cfg.Risk.MaxPositionSize = d
	}
	if cfg.Risk.MaxDailyLossStr != "" {
		d, err := decimal.NewFromString(cfg.Risk.MaxDailyLossStr)
		if err != nil {
			return nil, fmt.Errorf("risk.max_daily_loss: %w", err)
		}
		cfg.Risk.MaxDailyLoss = d
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, per the Config
// missing or invalid values are fatal at startup.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("trading_mode must be %q or %q", ModePaper, ModeLive)
	}
	if c.Risk.MaxPositionSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxDailyLoss.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MinConfidenceThreshold < 0 || c.Risk.MinConfidenceThreshold > 1 {
		return fmt.Errorf("risk.min_confidence_threshold must be in [0,1]")
	}
	if c.Inference.TensorZeroGatewayURL == "" {
		return fmt.Errorf("inference.tensorzero_gateway_url is required")
	}
	if c.Inference.AIConfidenceThreshold < 0 || c.Inference.AIConfidenceThreshold > 1 {
		return fmt.Errorf("inference.ai_confidence_threshold must be in [0,1]")
	}
	if c.Execution.BundleEndpoint == "" {
		return fmt.Errorf("execution.bundle_endpoint is required")
	}
	if c.Execution.MaxExecutionLatencyMs <= 0 {
		return fmt.Errorf("execution.max_execution_latency_ms must be > 0")
	}
	if c.Execution.MaxBundleSize <= 0 {
		c.Execution.MaxBundleSize = 5
	}
	if c.Wallets.ManagedWallets == "" {
		return fmt.Errorf("wallets.managed_wallets is required (set SNIPER_MANAGED_WALLETS or OVERMIND_MANAGED_WALLETS)")
	}
	if _, err := c.Wallets.ParsedWallets(); err != nil {
		return fmt.Errorf("wallets.managed_wallets: %w", err)
	}
	if c.Wallets.EmergencyStopThreshold <= 0 || c.Wallets.EmergencyStopThreshold > 1 {
		return fmt.Errorf("wallets.emergency_stop_threshold must be in (0,1]")
	}
	if c.Wallets.SelectionTimeout <= 0 {
		return fmt.Errorf("wallets.wallet_selection_timeout_ms must be > 0")
	}
	if c.Pipeline.WorkerThreads <= 0 {
		c.Pipeline.WorkerThreads = 6
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		return fmt.Errorf("pipeline.heartbeat_interval must be > 0")
	}
	if c.Pipeline.IngestWSURL == "" {
		return fmt.Errorf("pipeline.ingest_ws_url is required")
	}
	if c.Bridge.Enabled && c.Bridge.RedisAddr == "" {
		return fmt.Errorf("bridge.redis_addr is required when bridge.enabled is true")
	}
	return nil
}

// StrategyRiskWeight returns the configured risk weight for a strategy
// kind, defaulting to 0.5 if unconfigured (documented, not hardcoded per
// kind).
func (r RiskConfig) StrategyRiskWeight(kind types.StrategyKind) float64 {
	if w, ok := r.StrategyRiskWeights[kind]; ok {
		return w
	}
	return 0.5
}
