package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per token holding
// the decimal price string and the Unix-nano fetch time. Entries expire
// after ttl so a stale quote is never served past it.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache whose entries live for ttl.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) key(token string) string {
	return pc.c.Key("price", token)
}

// SetPrice stores price and ts, refreshing the TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, token string, price decimal.Decimal, ts time.Time) error {
	key := pc.key(token)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.PExpire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token, err)
	}
	return nil
}

// GetPrice returns the cached price or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, token string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(token)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", token, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", token, err)
	}
	return price, time.Unix(0, tsNano), nil
}
