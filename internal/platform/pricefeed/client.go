// Package pricefeed is an HTTP client for the reference price oracle.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Client fetches spot prices from GET {base}/v1/prices/{symbol}.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.PriceReader = (*Client)(nil)

// NewClient creates a price feed client. timeout bounds every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// GetPrice returns the reference price for token. A 404 means the oracle
// has no quote and maps to domain.ErrPriceUnavailable; throttling and server
// errors map to the transient gateway errors.
func (c *Client) GetPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	endpoint := c.baseURL + "/v1/prices/" + url.PathEscape(domain.NormalizeSymbol(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricefeed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return decimal.Zero, fmt.Errorf("pricefeed: %s: %w", token, domain.ErrGatewayTimeout)
		}
		return decimal.Zero, fmt.Errorf("pricefeed: %s: %w: %v", token, domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("pricefeed: %s: %w", token, domain.ErrPriceUnavailable)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return decimal.Zero, fmt.Errorf("pricefeed: %s: status %d: %w", token, resp.StatusCode, domain.ErrGatewayUnavailable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("pricefeed: %s: status %d: %s", token, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return decimal.Zero, fmt.Errorf("pricefeed: decode %s: %w", token, err)
	}
	if !pr.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("pricefeed: %s: non-positive price %s: %w", token, pr.Price, domain.ErrPriceUnavailable)
	}
	return pr.Price, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
