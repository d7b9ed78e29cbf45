// Package config defines the top-level configuration for the margin bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARGINBOT_* environment variables.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Chain     ChainConfig     `toml:"chain"`
	PriceFeed PriceFeedConfig `toml:"price_feed"`
	Risk      RiskConfig      `toml:"risk"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the bot runs
// without the price cache, the distributed scan lock, rate limiting and the
// live event feed.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TokenConfig describes one ERC-20 the bot reads balances of.
type TokenConfig struct {
	Address  string `toml:"address"`
	Decimals int32  `toml:"decimals"`
	// DebtToken is the variable-debt token tracking borrows of this asset.
	DebtToken string `toml:"debt_token"`
}

// ChainConfig points the balance reader at an EVM node.
type ChainConfig struct {
	RPCURL         string                 `toml:"rpc_url"`
	AccountFactory string                 `toml:"account_factory"`
	Tokens         map[string]TokenConfig `toml:"tokens"`
}

// PriceFeedConfig holds the price oracle endpoint.
type PriceFeedConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// RiskConfig holds risk parameters. Decimal values are strings so they
// never pass through floating point.
type RiskConfig struct {
	BorrowToken          string            `toml:"borrow_token"`
	CollateralFactors    map[string]string `toml:"collateral_factors"`
	BorrowFactors        map[string]string `toml:"borrow_factors"`
	AlertThreshold       string            `toml:"alert_threshold"`
	LiquidationThreshold string            `toml:"liquidation_threshold"`
	LiquidationBonusRate string            `toml:"liquidation_bonus_rate"`
	MinMultiplier        int               `toml:"min_multiplier"`
	MaxMultiplier        int               `toml:"max_multiplier"`
}

// RiskParams is RiskConfig with every decimal parsed.
type RiskParams struct {
	BorrowToken          string
	CollateralFactors    map[string]decimal.Decimal
	BorrowFactors        map[string]decimal.Decimal
	AlertThreshold       decimal.Decimal
	LiquidationThreshold decimal.Decimal
	BonusRate            decimal.Decimal
}

// Params parses the decimal fields.
func (r RiskConfig) Params() (RiskParams, error) {
	var (
		p   RiskParams
		err error
	)
	p.BorrowToken = strings.ToUpper(strings.TrimSpace(r.BorrowToken))
	if p.CollateralFactors, err = parseFactors("collateral_factors", r.CollateralFactors); err != nil {
		return RiskParams{}, err
	}
	if p.BorrowFactors, err = parseFactors("borrow_factors", r.BorrowFactors); err != nil {
		return RiskParams{}, err
	}
	if p.AlertThreshold, err = decimal.NewFromString(r.AlertThreshold); err != nil {
		return RiskParams{}, fmt.Errorf("alert_threshold: %w", err)
	}
	if p.LiquidationThreshold, err = decimal.NewFromString(r.LiquidationThreshold); err != nil {
		return RiskParams{}, fmt.Errorf("liquidation_threshold: %w", err)
	}
	if p.BonusRate, err = decimal.NewFromString(r.LiquidationBonusRate); err != nil {
		return RiskParams{}, fmt.Errorf("liquidation_bonus_rate: %w", err)
	}
	return p, nil
}

func parseFactors(name string, raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for token, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", name, token, err)
		}
		out[strings.ToUpper(strings.TrimSpace(token))] = v
	}
	return out, nil
}

// MonitorConfig holds liquidation scan scheduling parameters.
type MonitorConfig struct {
	Interval         duration `toml:"interval"`
	CallTimeout      duration `toml:"call_timeout"`
	RetryBackoff     duration `toml:"retry_backoff"`
	RetryAttempts    int      `toml:"retry_attempts"`
	TokenConcurrency int      `toml:"token_concurrency"`
	PositionWorkers  int      `toml:"position_workers"`
	LockTTL          duration `toml:"lock_ttl"`
}

// ArchiveConfig controls export of liquidated positions to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prefix        string   `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeys guard /api routes. Empty disables authentication.
	APIKeys         []string `toml:"api_keys"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken   string `toml:"telegram_token"`
	TelegramAPIBase string `toml:"telegram_api_base"`
	// Ops channels receive every liquidation notice.
	OpsTelegramChatID    string   `toml:"ops_telegram_chat_id"`
	OpsDiscordWebhookURL string   `toml:"ops_discord_webhook_url"`
	Events               []string `toml:"events"`
	Timeout              duration `toml:"timeout"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marginbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "marginbot",
			PriceTTL:   duration{15 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marginbot-archive",
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			Tokens: map[string]TokenConfig{},
		},
		PriceFeed: PriceFeedConfig{
			Timeout: duration{5 * time.Second},
		},
		Risk: RiskConfig{
			BorrowToken:          "USDC",
			CollateralFactors:    map[string]string{},
			BorrowFactors:        map[string]string{"USDC": "1"},
			AlertThreshold:       "1.5",
			LiquidationThreshold: "1.1",
			LiquidationBonusRate: "0.05",
			MinMultiplier:        1,
			MaxMultiplier:        10,
		},
		Monitor: MonitorConfig{
			Interval:         duration{time.Minute},
			CallTimeout:      duration{5 * time.Second},
			RetryBackoff:     duration{200 * time.Millisecond},
			RetryAttempts:    2,
			TokenConcurrency: 8,
			PositionWorkers:  4,
			LockTTL:          duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			Prefix:        "liquidations",
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			TelegramAPIBase: "https://api.telegram.org",
			Events:          []string{"position_alert", "position_liquidated"},
			Timeout:         duration{10 * time.Second},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsMonitor reports whether the mode schedules liquidation scans.
func (c *Config) RunsMonitor() bool {
	m := strings.ToLower(c.Mode)
	return m == "monitor" || m == "full"
}

// RunsServer reports whether the mode serves the HTTP API.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Chain and price feed are only consumed by the scan loop.
	if c.RunsMonitor() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Chain.AccountFactory == "" {
			errs = append(errs, "chain: account_factory must not be empty for mode "+c.Mode)
		}
		if len(c.Chain.Tokens) == 0 {
			errs = append(errs, "chain: at least one token must be configured")
		}
		for sym, tok := range c.Chain.Tokens {
			if tok.Address == "" {
				errs = append(errs, fmt.Sprintf("chain: tokens.%s.address must not be empty", sym))
			}
			if tok.Decimals < 0 || tok.Decimals > 36 {
				errs = append(errs, fmt.Sprintf("chain: tokens.%s.decimals must be 0-36, got %d", sym, tok.Decimals))
			}
		}
		if c.PriceFeed.BaseURL == "" {
			errs = append(errs, "price_feed: base_url must not be empty for mode "+c.Mode)
		}
		if c.Monitor.Interval.Duration <= 0 {
			errs = append(errs, "monitor: interval must be > 0")
		}
		if c.Monitor.TokenConcurrency < 1 {
			errs = append(errs, "monitor: token_concurrency must be >= 1")
		}
		if c.Monitor.PositionWorkers < 1 {
			errs = append(errs, "monitor: position_workers must be >= 1")
		}
		if c.Monitor.RetryAttempts < 1 || c.Monitor.RetryAttempts > 2 {
			errs = append(errs, fmt.Sprintf("monitor: retry_attempts must be 1 or 2, got %d", c.Monitor.RetryAttempts))
		}
		if bt := strings.ToUpper(c.Risk.BorrowToken); bt != "" {
			if tok, ok := c.Chain.Tokens[bt]; ok && tok.DebtToken == "" {
				errs = append(errs, fmt.Sprintf("chain: tokens.%s.debt_token must be set for the borrow token", bt))
			}
		}
	}

	// Risk
	if p, err := c.Risk.Params(); err != nil {
		errs = append(errs, "risk: "+err.Error())
	} else {
		if !p.LiquidationThreshold.IsPositive() {
			errs = append(errs, "risk: liquidation_threshold must be > 0")
		}
		if p.LiquidationThreshold.GreaterThan(p.AlertThreshold) {
			errs = append(errs, "risk: liquidation_threshold must not exceed alert_threshold")
		}
		if p.BonusRate.IsNegative() || p.BonusRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, "risk: liquidation_bonus_rate must be in [0, 1)")
		}
		for tok, f := range p.CollateralFactors {
			if f.IsNegative() || f.GreaterThan(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Sprintf("risk: collateral_factors.%s must be in [0, 1]", tok))
			}
		}
		for tok, f := range p.BorrowFactors {
			if !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Sprintf("risk: borrow_factors.%s must be in (0, 1]", tok))
			}
		}
		// The scan values every chain token and the debt, so each needs a factor.
		if c.RunsMonitor() {
			for sym := range c.Chain.Tokens {
				sym = strings.ToUpper(strings.TrimSpace(sym))
				if _, ok := p.CollateralFactors[sym]; !ok {
					errs = append(errs, fmt.Sprintf("risk: collateral_factors.%s must be set for chain token %s", sym, sym))
				}
			}
			if p.BorrowToken != "" {
				if _, ok := p.BorrowFactors[p.BorrowToken]; !ok {
					errs = append(errs, fmt.Sprintf("risk: borrow_factors.%s must be set for the borrow token", p.BorrowToken))
				}
			}
		}
	}
	if c.Risk.MinMultiplier < 1 {
		errs = append(errs, "risk: min_multiplier must be >= 1")
	}
	if c.Risk.MaxMultiplier < c.Risk.MinMultiplier {
		errs = append(errs, "risk: max_multiplier must not be below min_multiplier")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
