package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSender struct {
	kind    domain.ChannelKind
	targets []string
	err     error
}

func (r *recordingSender) Send(_ context.Context, target, _, _ string) error {
	r.targets = append(r.targets, target)
	return r.err
}

func (r *recordingSender) Kind() domain.ChannelKind { return r.kind }

func TestNotifierRoutesByKindAndFilters(t *testing.T) {
	tg := &recordingSender{kind: domain.ChannelTelegram}
	dc := &recordingSender{kind: domain.ChannelDiscord}
	n := NewNotifier([]Sender{tg, dc}, Options{Events: []string{domain.EventPositionAlert}}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.EventPositionAlert, domain.Channel{Kind: domain.ChannelTelegram, Target: "42"}, "t", "m"))
	require.NoError(t, n.Notify(ctx, domain.EventPositionAlert, domain.Channel{Kind: domain.ChannelDiscord, Target: "hook"}, "t", "m"))
	require.NoError(t, n.Notify(ctx, domain.EventScanCompleted, domain.Channel{Kind: domain.ChannelTelegram, Target: "43"}, "t", "m"))

	assert.Equal(t, []string{"42"}, tg.targets)
	assert.Equal(t, []string{"hook"}, dc.targets)

	err := n.Notify(ctx, domain.EventPositionAlert, domain.Channel{Kind: "sms", Target: "1"}, "t", "m")
	assert.Error(t, err)
}

func TestNotifierBroadcastCollectsErrors(t *testing.T) {
	bad := &recordingSender{kind: domain.ChannelTelegram, err: errors.New("down")}
	good := &recordingSender{kind: domain.ChannelDiscord}
	n := NewNotifier([]Sender{bad, good}, Options{Ops: []domain.Channel{
		{Kind: domain.ChannelTelegram, Target: "ops"},
		{Kind: domain.ChannelDiscord, Target: "ops-hook"},
	}}, discardLogger())

	err := n.Broadcast(context.Background(), domain.EventPositionLiquidated, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, []string{"ops-hook"}, good.targets, "remaining channels still delivered")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", srv.Client())
	require.NoError(t, s.Send(context.Background(), "99", "Low health", "ratio 1.05"))
	assert.Equal(t, "99", got["chat_id"])
	assert.Equal(t, "*Low health*\nratio 1.05", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.Client())
	require.NoError(t, s.Send(context.Background(), srv.URL+"/ok", "t", "m"))
	err := s.Send(context.Background(), srv.URL+"/bad", "t", "m")
	assert.ErrorContains(t, err, "403")
}

func TestNotifierTimeoutBoundsSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	n := NewNotifier([]Sender{NewDiscordSender(srv.Client())}, Options{Timeout: 50 * time.Millisecond}, discardLogger())
	start := time.Now()
	err := n.Notify(context.Background(), domain.EventPositionAlert, domain.Channel{Kind: domain.ChannelDiscord, Target: srv.URL}, "t", "m")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
