package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// SubscriptionService defines the methods the subscription handlers require.
type SubscriptionService interface {
	Subscribe(ctx context.Context, owner string, ch domain.Channel) (domain.Subscription, error)
	Get(ctx context.Context, owner string) (domain.Subscription, error)
	Unsubscribe(ctx context.Context, owner string) error
}

// SubscriptionHandler manages owner notification channels.
type SubscriptionHandler struct {
	subs   SubscriptionService
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(subs SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs, logger: logHandler(logger, "subscriptions")}
}

type subscriptionRequest struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

type subscriptionResponse struct {
	Owner     string    `json:"owner"`
	Channel   string    `json:"channel"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSubscriptionResponse(s domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		Owner:     s.Owner,
		Channel:   string(s.Channel.Kind),
		Target:    s.Channel.Target,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// PutSubscription sets where the owner's warnings are delivered.
// PUT /api/subscriptions/{owner}
func (h *SubscriptionHandler) PutSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "put subscription", err)
		return
	}
	sub, err := h.subs.Subscribe(r.Context(), pathParam(r, "owner"), domain.Channel{
		Kind:   domain.ChannelKind(req.Channel),
		Target: req.Target,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "put subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// GetSubscription returns the owner's channel.
// GET /api/subscriptions/{owner}
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), pathParam(r, "owner"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// DeleteSubscription stops the owner's notifications.
// DELETE /api/subscriptions/{owner}
func (h *SubscriptionHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Unsubscribe(r.Context(), pathParam(r, "owner")); err != nil {
		writeServiceError(w, r, h.logger, "delete subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
