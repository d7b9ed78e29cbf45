package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a new SubscriptionStore.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var (
		sub  domain.Subscription
		kind string
	)
	if err := row.Scan(&sub.Owner, &kind, &sub.Channel.Target, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return domain.Subscription{}, err
	}
	sub.Channel.Kind = domain.ChannelKind(kind)
	return sub, nil
}

// Upsert creates or replaces the owner's channel.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	const query = `
		INSERT INTO subscriptions (owner_id, channel, target)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET
			channel    = EXCLUDED.channel,
			target     = EXCLUDED.target,
			updated_at = NOW()
		RETURNING owner_id, channel, target, created_at, updated_at`

	out, err := scanSubscription(s.pool.QueryRow(ctx, query,
		sub.Owner, string(sub.Channel.Kind), sub.Channel.Target))
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("postgres: upsert subscription %s: %w", sub.Owner, err)
	}
	return out, nil
}

// Get returns the owner's subscription or domain.ErrNotFound.
func (s *SubscriptionStore) Get(ctx context.Context, owner string) (domain.Subscription, error) {
	const query = `SELECT owner_id, channel, target, created_at, updated_at
		FROM subscriptions WHERE owner_id = $1`
	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: get subscription %s: %w", owner, err)
	}
	return sub, nil
}

// Delete removes the owner's subscription.
func (s *SubscriptionStore) Delete(ctx context.Context, owner string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE owner_id = $1`, owner)
	if err != nil {
		return fmt.Errorf("postgres: delete subscription %s: %w", owner, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
