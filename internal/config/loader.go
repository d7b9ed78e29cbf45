package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARGINBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARGINBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "MARGINBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "MARGINBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MARGINBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MARGINBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "MARGINBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "MARGINBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MARGINBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "MARGINBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MARGINBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MARGINBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARGINBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARGINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGINBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARGINBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MARGINBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARGINBOT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "MARGINBOT_REDIS_PRICE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARGINBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARGINBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARGINBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARGINBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARGINBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARGINBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARGINBOT_S3_FORCE_PATH_STYLE")

	// ── Chain / price feed ──
	setStr(&cfg.Chain.RPCURL, "MARGINBOT_CHAIN_RPC_URL")
	setStr(&cfg.Chain.AccountFactory, "MARGINBOT_CHAIN_ACCOUNT_FACTORY")
	setStr(&cfg.PriceFeed.BaseURL, "MARGINBOT_PRICE_FEED_BASE_URL")
	setStr(&cfg.PriceFeed.APIKey, "MARGINBOT_PRICE_FEED_API_KEY")
	setDuration(&cfg.PriceFeed.Timeout, "MARGINBOT_PRICE_FEED_TIMEOUT")

	// ── Risk ──
	setStr(&cfg.Risk.BorrowToken, "MARGINBOT_RISK_BORROW_TOKEN")
	setStr(&cfg.Risk.AlertThreshold, "MARGINBOT_RISK_ALERT_THRESHOLD")
	setStr(&cfg.Risk.LiquidationThreshold, "MARGINBOT_RISK_LIQUIDATION_THRESHOLD")
	setStr(&cfg.Risk.LiquidationBonusRate, "MARGINBOT_RISK_LIQUIDATION_BONUS_RATE")
	setInt(&cfg.Risk.MinMultiplier, "MARGINBOT_RISK_MIN_MULTIPLIER")
	setInt(&cfg.Risk.MaxMultiplier, "MARGINBOT_RISK_MAX_MULTIPLIER")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "MARGINBOT_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.CallTimeout, "MARGINBOT_MONITOR_CALL_TIMEOUT")
	setDuration(&cfg.Monitor.RetryBackoff, "MARGINBOT_MONITOR_RETRY_BACKOFF")
	setInt(&cfg.Monitor.RetryAttempts, "MARGINBOT_MONITOR_RETRY_ATTEMPTS")
	setInt(&cfg.Monitor.TokenConcurrency, "MARGINBOT_MONITOR_TOKEN_CONCURRENCY")
	setInt(&cfg.Monitor.PositionWorkers, "MARGINBOT_MONITOR_POSITION_WORKERS")
	setDuration(&cfg.Monitor.LockTTL, "MARGINBOT_MONITOR_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MARGINBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "MARGINBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "MARGINBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Prefix, "MARGINBOT_ARCHIVE_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARGINBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARGINBOT_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "MARGINBOT_SERVER_API_KEYS")
	setInt(&cfg.Server.RateLimit, "MARGINBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "MARGINBOT_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARGINBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.OpsTelegramChatID, "MARGINBOT_NOTIFY_OPS_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.OpsDiscordWebhookURL, "MARGINBOT_NOTIFY_OPS_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARGINBOT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Timeout, "MARGINBOT_NOTIFY_TIMEOUT")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARGINBOT_MODE")
	setStr(&cfg.LogLevel, "MARGINBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
