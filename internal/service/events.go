package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// recorder writes audit rows and bus events. Both are best effort: a failure
// is logged and never fails the operation that produced it. Nil
// collaborators are skipped.
type recorder struct {
	audit  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
}

func (r recorder) publish(ctx context.Context, channel string, ev domain.Event) {
	if r.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.bus.Publish(ctx, channel, payload); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", ev.Type),
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

func (r recorder) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// positionEvent audits and publishes a lifecycle event for p.
func (r recorder) positionEvent(ctx context.Context, event string, p domain.Position, extra map[string]any) {
	detail := map[string]any{
		"position_id": p.ID,
		"owner":       p.Owner,
		"status":      string(p.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	r.auditLog(ctx, event, detail)
	r.publish(ctx, domain.ChannelPositions, domain.Event{
		Type:       event,
		PositionID: p.ID,
		Owner:      p.Owner,
		Data:       extra,
	})
}
