package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts to a chat via the Bot API sendMessage method.
type TelegramSender struct {
	apiBase string
	token   string
	client  *http.Client
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender creates a sender for the bot token. An empty apiBase uses
// DefaultTelegramAPI.
func NewTelegramSender(apiBase, token string, client *http.Client) *TelegramSender {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramSender{apiBase: strings.TrimRight(apiBase, "/"), token: token, client: client}
}

// Send delivers "*title*\nmessage" to chatID.
func (t *TelegramSender) Send(ctx context.Context, chatID, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Kind returns domain.ChannelTelegram.
func (t *TelegramSender) Kind() domain.ChannelKind { return domain.ChannelTelegram }
