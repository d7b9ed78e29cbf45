package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// SubscriptionService manages where an owner's risk warnings go.
type SubscriptionService struct {
	subs   domain.SubscriptionStore
	rec    recorder
	logger *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService. audit may be nil.
func NewSubscriptionService(subs domain.SubscriptionStore, audit domain.AuditStore, logger *slog.Logger) *SubscriptionService {
	logger = logger.With(slog.String("component", "subscription_service"))
	return &SubscriptionService{
		subs:   subs,
		rec:    recorder{audit: audit, logger: logger},
		logger: logger,
	}
}

// Subscribe points owner's notifications at ch, replacing any previous channel.
func (s *SubscriptionService) Subscribe(ctx context.Context, owner string, ch domain.Channel) (domain.Subscription, error) {
	owner = strings.TrimSpace(owner)
	ch.Target = strings.TrimSpace(ch.Target)
	if owner == "" {
		return domain.Subscription{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	switch ch.Kind {
	case domain.ChannelTelegram, domain.ChannelDiscord:
	default:
		return domain.Subscription{}, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidRequest, ch.Kind)
	}
	if ch.Target == "" {
		return domain.Subscription{}, fmt.Errorf("%w: channel target is required", domain.ErrInvalidRequest)
	}
	if ch.Kind == domain.ChannelDiscord && !strings.HasPrefix(ch.Target, "https://") {
		return domain.Subscription{}, fmt.Errorf("%w: discord target must be an https webhook url", domain.ErrInvalidRequest)
	}

	sub, err := s.subs.Upsert(ctx, domain.Subscription{Owner: owner, Channel: ch})
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription_service: subscribe: %w", err)
	}
	s.rec.auditLog(ctx, "subscription.upsert", map[string]any{
		"owner":   owner,
		"channel": string(ch.Kind),
	})
	return sub, nil
}

// Get returns owner's subscription or domain.ErrNotFound.
func (s *SubscriptionService) Get(ctx context.Context, owner string) (domain.Subscription, error) {
	sub, err := s.subs.Get(ctx, owner)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription_service: get: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes owner's subscription.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, owner string) error {
	if err := s.subs.Delete(ctx, owner); err != nil {
		return fmt.Errorf("subscription_service: unsubscribe: %w", err)
	}
	s.rec.auditLog(ctx, "subscription.delete", map[string]any{"owner": owner})
	return nil
}
