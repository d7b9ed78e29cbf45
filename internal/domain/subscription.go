package domain

import (
	"context"
	"time"
)

// ChannelKind names a notification transport.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelDiscord  ChannelKind = "discord"
)

// Channel is a delivery target: a telegram chat id or a discord webhook URL.
type Channel struct {
	Kind   ChannelKind
	Target string
}

// Subscription links a position owner to the channel warnings go to.
type Subscription struct {
	Owner     string
	Channel   Channel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscriptionStore persists owner subscriptions.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub Subscription) (Subscription, error)
	Get(ctx context.Context, owner string) (Subscription, error)
	Delete(ctx context.Context, owner string) error
}
