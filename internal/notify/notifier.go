// Package notify delivers risk warnings to position owners and operators
// over Telegram and Discord. Delivery is best effort: callers log failures
// and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/observability"
)

// Sender delivers one message over a single transport.
type Sender interface {
	// Send delivers title and message to target (chat id, webhook URL).
	Send(ctx context.Context, target, title, message string) error
	Kind() domain.ChannelKind
}

// Notifier routes messages to the sender matching a channel's kind. Events
// outside the allow list are dropped; an empty list allows all.
type Notifier struct {
	senders map[domain.ChannelKind]Sender
	events  map[string]bool
	ops     []domain.Channel
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Options configures a Notifier.
type Options struct {
	Events []string
	// Ops channels receive Broadcast messages.
	Ops     []domain.Channel
	Timeout time.Duration
	Metrics *observability.Metrics
}

// NewNotifier creates a Notifier over the given senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	byKind := make(map[domain.ChannelKind]Sender, len(senders))
	for _, s := range senders {
		byKind[s.Kind()] = s
	}
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Notifier{
		senders: byKind,
		events:  allowed,
		ops:     opts.Ops,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Allowed reports whether event passes the filter.
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify delivers to a single channel. Filtered events return nil.
func (n *Notifier) Notify(ctx context.Context, event string, ch domain.Channel, title, message string) error {
	if !n.Allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.send(ctx, ch, title, message)
}

// Broadcast delivers to every operator channel, collecting failures. One
// failed channel does not stop the rest.
func (n *Notifier) Broadcast(ctx context.Context, event, title, message string) error {
	if !n.Allowed(event) {
		return nil
	}
	var errs []error
	for _, ch := range n.ops {
		if err := n.send(ctx, ch, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, ch domain.Channel, title, message string) error {
	s, ok := n.senders[ch.Kind]
	if !ok {
		n.record(ch.Kind, "unsupported")
		return fmt.Errorf("notify: no sender for channel %q", ch.Kind)
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := s.Send(sendCtx, ch.Target, title, message); err != nil {
		n.record(ch.Kind, "error")
		n.logger.WarnContext(ctx, "send failed",
			slog.String("channel", string(ch.Kind)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("notify: %s: %w", ch.Kind, err)
	}
	n.record(ch.Kind, "ok")
	n.logger.DebugContext(ctx, "notification sent",
		slog.String("channel", string(ch.Kind)),
		slog.String("title", title),
	)
	return nil
}

func (n *Notifier) record(kind domain.ChannelKind, result string) {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(string(kind), result).Inc()
	}
}
