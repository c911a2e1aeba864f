// Package config defines all configuration for the market-data and
// execution core. Config is loaded from a YAML file with sensitive
// fields overridable via CLOBMM_* environment variables, in the same
// style as the teacher's internal/config.Load.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Chain     ChainConfig     `mapstructure:"chain"`
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Push      PushConfig      `mapstructure:"push"`
	Pull      PullConfig      `mapstructure:"pull"`
	UserFeed  UserFeedConfig  `mapstructure:"user_feed"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Balance   BalanceConfig   `mapstructure:"balance"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ChainConfig holds the on-chain reads the Balance Cache depends on.
type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	OwnerAddress      string `mapstructure:"owner_address"`
	CollateralAddress string `mapstructure:"collateral_address"`
	CollateralDecimals int32 `mapstructure:"collateral_decimals"`
}

// APIConfig holds CLOB endpoints and the L2 API credentials used by
// the User Channel Client. If empty, the client stays permanently
// disabled (spec.md §4.5).
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// StoreConfig tunes the Market Data Store.
type StoreConfig struct {
	MaxTokens      int             `mapstructure:"max_tokens"`
	StaleThreshold time.Duration   `mapstructure:"stale_threshold"`
	DepthWindow    decimal.Decimal `mapstructure:"-"`
	DepthWindowStr string          `mapstructure:"depth_window"`
}

// PushConfig tunes the Push Client's websocket behavior.
type PushConfig struct {
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	PongTimeout             time.Duration `mapstructure:"pong_timeout"`
	ReconnectBase           time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax            time.Duration `mapstructure:"reconnect_max"`
	StableConnectionElapsed time.Duration `mapstructure:"stable_connection_elapsed"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
}

// PullConfig tunes the REST Pull Fallback and its rate limiter.
type PullConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	GlobalMinInterval time.Duration `mapstructure:"global_min_interval"`
	PerKeyMinInterval time.Duration `mapstructure:"per_key_min_interval"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
}

// UserFeedConfig tunes the User Channel Client's websocket behavior
// and own-order/trade retention.
type UserFeedConfig struct {
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	PongTimeout             time.Duration `mapstructure:"pong_timeout"`
	ReconnectBase           time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax            time.Duration `mapstructure:"reconnect_max"`
	StableConnectionElapsed time.Duration `mapstructure:"stable_connection_elapsed"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	PruneHorizon            time.Duration `mapstructure:"prune_horizon"`
}

// ExecutionConfig tunes the Execution Engine's price bounds, slippage
// budget, and buy-side duplicate-prevention cooldown.
type ExecutionConfig struct {
	HardMin              string        `mapstructure:"hard_min"`
	HardMax              string        `mapstructure:"hard_max"`
	StrategyMin          string        `mapstructure:"strategy_min"`
	StrategyMax          string        `mapstructure:"strategy_max"`
	SlippageFrac         string        `mapstructure:"slippage_frac"`
	MaxSpreadCents       string        `mapstructure:"max_spread_cents"`
	DefaultTickSize      string        `mapstructure:"default_tick_size"`
	BuyCooldown          time.Duration `mapstructure:"buy_cooldown"`
	AllowRestingFallback bool          `mapstructure:"allow_resting_fallback"`
}

// BalanceConfig tunes the Balance Cache's refresh TTL.
type BalanceConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LoggingConfig controls the slog handler setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CLOBMM_API_KEY, CLOBMM_API_SECRET,
// CLOBMM_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CLOBMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("CLOBMM_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("CLOBMM_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("CLOBMM_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("CLOBMM_DRY_RUN") == "true" || os.Getenv("CLOBMM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	window, err := decimal.NewFromString(cfg.Store.DepthWindowStr)
	if err != nil {
		return nil, fmt.Errorf("store.depth_window: %w", err)
	}
	cfg.Store.DepthWindow = window

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.Store.MaxTokens <= 0 {
		return fmt.Errorf("store.max_tokens must be > 0")
	}
	if c.Store.StaleThreshold <= 0 {
		return fmt.Errorf("store.stale_threshold must be > 0")
	}
	if c.Execution.HardMin == "" || c.Execution.HardMax == "" {
		return fmt.Errorf("execution.hard_min / hard_max are required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.CollateralAddress == "" {
		return fmt.Errorf("chain.collateral_address is required")
	}
	return nil
}
