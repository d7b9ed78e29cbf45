package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	s3blob "github.com/alanyoungcy/marginbot/internal/blob/s3"
	"github.com/alanyoungcy/marginbot/internal/cache/redis"
	"github.com/alanyoungcy/marginbot/internal/config"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/notify"
	"github.com/alanyoungcy/marginbot/internal/observability"
	"github.com/alanyoungcy/marginbot/internal/platform/evm"
	"github.com/alanyoungcy/marginbot/internal/platform/pricefeed"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/service"
	"github.com/alanyoungcy/marginbot/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Redis-backed fields are nil when redis is disabled; the chain
// gateway and monitor are nil when the mode does not scan.
type Dependencies struct {
	// Stores
	PositionStore     *postgres.PositionStore
	DepositStore      *postgres.DepositStore
	AuditStore        domain.AuditStore
	SubscriptionStore domain.SubscriptionStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archive
	Archiver domain.Archiver

	// Services
	Positions     *service.PositionService
	Subscriptions *service.SubscriptionService
	Gateway       *service.Gateway
	Monitor       *service.LiquidationMonitor
	Notifier      *notify.Notifier

	Metrics *observability.Metrics
	// Health maps dependency names to their connectivity checks.
	Health map[string]handler.Pinger
}

// pingFunc adapts a function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	params, err := cfg.Risk.Params()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: risk params: %w", err)
	}

	deps := &Dependencies{
		Metrics: observability.NewMetrics(),
		Health:  make(map[string]handler.Pinger),
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)
	deps.Health["postgres"] = pgClient

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.DepositStore = postgres.NewDepositStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.SubscriptionStore = postgres.NewSubscriptionStore(pool)

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Health["redis"] = redisClient

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		logger.WarnContext(ctx, "redis disabled: no price cache, scan lock, rate limit or live feed")
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Health["s3"] = pingFunc(s3Client.Health)
		deps.Archiver = s3blob.NewLiquidationArchiver(
			s3blob.NewWriter(s3Client),
			deps.PositionStore,
			deps.DepositStore,
			deps.AuditStore,
			cfg.Archive.Prefix,
		)
	}

	// --- Services ---
	deps.Positions = service.NewPositionService(
		deps.PositionStore, deps.DepositStore, deps.AuditStore, deps.SignalBus, deps.Metrics,
		service.PositionConfig{
			MinMultiplier: cfg.Risk.MinMultiplier,
			MaxMultiplier: cfg.Risk.MaxMultiplier,
		}, logger)
	deps.Subscriptions = service.NewSubscriptionService(deps.SubscriptionStore, deps.AuditStore, logger)

	if !cfg.RunsMonitor() {
		return deps, cleanup, nil
	}

	// --- Chain and price oracle ---
	tokens := make(map[string]evm.Token, len(cfg.Chain.Tokens))
	for sym, t := range cfg.Chain.Tokens {
		tokens[sym] = evm.Token{Address: t.Address, Decimals: t.Decimals, DebtToken: t.DebtToken}
	}
	chain, closeChain, err := evm.Dial(ctx, cfg.Chain.RPCURL, evm.Config{
		AccountFactory: cfg.Chain.AccountFactory,
		BorrowToken:    params.BorrowToken,
		Tokens:         tokens,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, closeChain)

	oracle := pricefeed.NewClient(cfg.PriceFeed.BaseURL, cfg.PriceFeed.APIKey, cfg.PriceFeed.Timeout.Duration)
	deps.Gateway = service.NewGateway(chain, oracle, deps.PriceCache, deps.Metrics, service.GatewayConfig{
		CallTimeout:  cfg.Monitor.CallTimeout.Duration,
		Attempts:     cfg.Monitor.RetryAttempts,
		RetryBackoff: cfg.Monitor.RetryBackoff.Duration,
	}, logger)

	// --- Notifications ---
	deps.Notifier = buildNotifier(cfg.Notify, deps.Metrics, logger)

	deps.Monitor = service.NewLiquidationMonitor(service.MonitorDeps{
		Positions: deps.Positions,
		Gateway:   deps.Gateway,
		Subs:      deps.SubscriptionStore,
		Notifier:  deps.Notifier,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Metrics:   deps.Metrics,
	}, service.MonitorConfig{
		Interval:             cfg.Monitor.Interval.Duration,
		PositionWorkers:      cfg.Monitor.PositionWorkers,
		TokenConcurrency:     cfg.Monitor.TokenConcurrency,
		LockTTL:              cfg.Monitor.LockTTL.Duration,
		BorrowToken:          params.BorrowToken,
		AlertThreshold:       params.AlertThreshold,
		LiquidationThreshold: params.LiquidationThreshold,
		BonusRate:            params.BonusRate,
		CollateralFactors:    params.CollateralFactors,
		BorrowFactors:        params.BorrowFactors,
	}, logger)

	return deps, cleanup, nil
}

// buildNotifier registers a sender per configured transport. Discord needs
// no credentials, so it is always available for owner webhooks.
func buildNotifier(cfg config.NotifyConfig, metrics *observability.Metrics, logger *slog.Logger) *notify.Notifier {
	client := &http.Client{Timeout: cfg.Timeout.Duration}

	senders := []notify.Sender{notify.NewDiscordSender(client)}
	if cfg.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramAPIBase, cfg.TelegramToken, client))
	} else {
		logger.Warn("telegram token not set: telegram subscriptions will not be delivered")
	}

	var ops []domain.Channel
	if id := strings.TrimSpace(cfg.OpsTelegramChatID); id != "" && cfg.TelegramToken != "" {
		ops = append(ops, domain.Channel{Kind: domain.ChannelTelegram, Target: id})
	}
	if url := strings.TrimSpace(cfg.OpsDiscordWebhookURL); url != "" {
		ops = append(ops, domain.Channel{Kind: domain.ChannelDiscord, Target: url})
	}

	return notify.NewNotifier(senders, notify.Options{
		Events:  cfg.Events,
		Ops:     ops,
		Timeout: cfg.Timeout.Duration,
		Metrics: metrics,
	}, logger)
}
