package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides short-lived access to recently fetched prices.
type PriceCache interface {
	SetPrice(ctx context.Context, token string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, token string) (decimal.Decimal, time.Time, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides fan-out pub/sub for live events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
