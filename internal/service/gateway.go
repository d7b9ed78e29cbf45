package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/observability"
)

// GatewayConfig tunes the calls Gateway makes to its backends.
type GatewayConfig struct {
	// CallTimeout bounds each attempt. Zero disables the per-call deadline.
	CallTimeout time.Duration
	// Attempts is the total number of tries for transient failures.
	Attempts     int
	RetryBackoff time.Duration
}

// DefaultGatewayConfig retries a transient failure once after 200ms.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CallTimeout:  5 * time.Second,
		Attempts:     2,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Gateway composes a chain balance reader and a price oracle into a
// domain.Gateway, adding per-call deadlines, a retry on transient errors
// and an optional read-through price cache.
type Gateway struct {
	balances domain.BalanceReader
	prices   domain.PriceReader
	cache    domain.PriceCache
	cfg      GatewayConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

var _ domain.Gateway = (*Gateway)(nil)

// NewGateway creates a Gateway. cache and metrics may be nil.
func NewGateway(
	balances domain.BalanceReader,
	prices domain.PriceReader,
	cache domain.PriceCache,
	metrics *observability.Metrics,
	cfg GatewayConfig,
	logger *slog.Logger,
) *Gateway {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Gateway{
		balances: balances,
		prices:   prices,
		cache:    cache,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "gateway")),
		now:      time.Now,
	}
}

// ResolveAccount delegates to the balance reader.
func (g *Gateway) ResolveAccount(ctx context.Context, pos domain.Position) (domain.Account, error) {
	return callWithRetry(ctx, g, "resolve_account", func(ctx context.Context) (domain.Account, error) {
		return g.balances.ResolveAccount(ctx, pos)
	})
}

// GetBalance delegates to the balance reader.
func (g *Gateway) GetBalance(ctx context.Context, token, account string) (decimal.Decimal, error) {
	return callWithRetry(ctx, g, "balance", func(ctx context.Context) (decimal.Decimal, error) {
		return g.balances.GetBalance(ctx, token, account)
	})
}

// GetBorrowedAmount delegates to the balance reader.
func (g *Gateway) GetBorrowedAmount(ctx context.Context, account, token string) (decimal.Decimal, error) {
	return callWithRetry(ctx, g, "borrowed", func(ctx context.Context) (decimal.Decimal, error) {
		return g.balances.GetBorrowedAmount(ctx, account, token)
	})
}

// GetPrice serves from the cache when possible and otherwise asks the
// oracle, writing the fresh quote back. Cache failures never fail the call.
func (g *Gateway) GetPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	token = domain.NormalizeSymbol(token)
	if g.cache != nil {
		price, _, err := g.cache.GetPrice(ctx, token)
		switch {
		case err == nil:
			g.cacheResult("hit")
			return price, nil
		case errors.Is(err, domain.ErrNotFound):
			g.cacheResult("miss")
		default:
			g.cacheResult("error")
			g.logger.WarnContext(ctx, "price cache read failed",
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
		}
	}

	price, err := callWithRetry(ctx, g, "price", func(ctx context.Context) (decimal.Decimal, error) {
		return g.prices.GetPrice(ctx, token)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if g.cache != nil {
		if err := g.cache.SetPrice(ctx, token, price, g.now()); err != nil {
			g.logger.WarnContext(ctx, "price cache write failed",
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
		}
	}
	return price, nil
}

func (g *Gateway) cacheResult(result string) {
	if g.metrics != nil {
		g.metrics.PriceCacheHits.WithLabelValues(result).Inc()
	}
}

// callWithRetry runs fn with a per-attempt deadline, retrying only
// transient failures. A deadline hit by an attempt surfaces as
// domain.ErrGatewayTimeout; cancellation of the parent context stops
// retrying at once.
func callWithRetry[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	start := time.Now()
	for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			g.record(op, "canceled", start)
			return zero, err
		}

		v, err := attemptCall(ctx, g.cfg.CallTimeout, fn)
		if err == nil {
			g.record(op, "ok", start)
			return v, nil
		}
		lastErr = err

		if !domain.IsTransient(err) || attempt == g.cfg.Attempts {
			break
		}
		g.logger.DebugContext(ctx, "retrying gateway call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			g.record(op, "canceled", start)
			return zero, ctx.Err()
		case <-time.After(g.cfg.RetryBackoff):
		}
	}
	g.record(op, resultLabel(lastErr), start)
	return zero, lastErr
}

func attemptCall[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrGatewayTimeout) {
		err = fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, err)
	}
	return v, err
}

func (g *Gateway) record(op, result string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.GatewayCalls.WithLabelValues(op, result).Inc()
	g.metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrPriceUnavailable):
		return "no_price"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "error"
}
