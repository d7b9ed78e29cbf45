package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// DiscordSender posts to the webhook URL carried by each channel.
type DiscordSender struct {
	client *http.Client
}

var _ Sender = (*DiscordSender)(nil)

// NewDiscordSender creates a DiscordSender.
func NewDiscordSender(client *http.Client) *DiscordSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &DiscordSender{client: client}
}

// Send posts "**title**\nmessage" to webhookURL.
func (d *DiscordSender) Send(ctx context.Context, webhookURL, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Kind returns domain.ChannelDiscord.
func (d *DiscordSender) Kind() domain.ChannelKind { return domain.ChannelDiscord }
