package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/service"
)

type fakePositions struct{}

func (fakePositions) CreateOrReusePending(_ context.Context, owner, token string, amount decimal.Decimal, multiplier int) (domain.Position, error) {
	return domain.Position{ID: "p1", Owner: owner, TokenSymbol: token, Amount: amount, Multiplier: multiplier, Status: domain.PositionStatusPending}, nil
}

func (fakePositions) Get(_ context.Context, id string) (domain.Position, error) {
	if id != "p1" {
		return domain.Position{}, domain.ErrNotFound
	}
	return domain.Position{ID: "p1", Status: domain.PositionStatusPending}, nil
}

func (fakePositions) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (fakePositions) Open(_ context.Context, _ string, prices map[string]decimal.Decimal) (domain.Position, error) {
	if len(prices) == 0 {
		return domain.Position{}, domain.ErrPriceUnavailable
	}
	return domain.Position{ID: "p1", Status: domain.PositionStatusOpened}, nil
}

func (fakePositions) Close(context.Context, string) (domain.Position, error) {
	return domain.Position{ID: "p1", Status: domain.PositionStatusClosed}, nil
}

func (fakePositions) Delete(context.Context, string) error { return nil }

func (fakePositions) AddDeposit(context.Context, string, string, decimal.Decimal) (domain.ExtraDeposit, error) {
	return domain.ExtraDeposit{}, domain.ErrAlreadyTerminal
}

func (fakePositions) ListDeposits(context.Context, string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func (fakePositions) PositionValue(context.Context, string, map[string]decimal.Decimal) (service.Valuation, error) {
	return service.Valuation{Total: decimal.Zero}, nil
}

func (fakePositions) ListLiquidated(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type fakeSubs struct{}

func (fakeSubs) Subscribe(_ context.Context, owner string, ch domain.Channel) (domain.Subscription, error) {
	return domain.Subscription{Owner: owner, Channel: ch}, nil
}

func (fakeSubs) Get(context.Context, string) (domain.Subscription, error) {
	return domain.Subscription{}, domain.ErrNotFound
}

func (fakeSubs) Unsubscribe(context.Context, string) error { return nil }

type busyScanner struct{}

func (busyScanner) RunLiquidationScan(context.Context) (service.ScanReport, error) {
	return service.ScanReport{Skipped: true}, domain.ErrScanInProgress
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[key]++
	return l.calls[key] <= l.n, nil
}

func newTestHandler(cfg Config, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(cfg, Handlers{
		Health:        handler.NewHealthHandler(nil, logger),
		Positions:     handler.NewPositionHandler(fakePositions{}, logger),
		Subscriptions: handler.NewSubscriptionHandler(fakeSubs{}, logger),
		Scan:          handler.NewScanHandler(busyScanner{}, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}, nil, limiter, logger)
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	h := newTestHandler(Config{}, nil)

	tests := []struct {
		name, method, target, body string
		want                       int
	}{
		{"health", http.MethodGet, "/api/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"create", http.MethodPost, "/api/positions", `{"owner":"a","token_symbol":"ETH","amount":"1","multiplier":2}`, http.StatusOK},
		{"get", http.MethodGet, "/api/positions/p1", "", http.StatusOK},
		{"get missing", http.MethodGet, "/api/positions/nope", "", http.StatusNotFound},
		{"open without prices", http.MethodPost, "/api/positions/p1/open", `{"prices":{}}`, http.StatusUnprocessableEntity},
		{"open", http.MethodPost, "/api/positions/p1/open", `{"prices":{"ETH":"2000"}}`, http.StatusOK},
		{"close", http.MethodPost, "/api/positions/p1/close", "", http.StatusOK},
		{"deposit on closed", http.MethodPost, "/api/positions/p1/deposits", `{"token_symbol":"USDC","amount":"5"}`, http.StatusConflict},
		{"deposits", http.MethodGet, "/api/positions/p1/deposits", "", http.StatusOK},
		{"delete", http.MethodDelete, "/api/positions/p1", "", http.StatusNoContent},
		{"liquidations", http.MethodGet, "/api/liquidations", "", http.StatusOK},
		{"subscription missing", http.MethodGet, "/api/subscriptions/a", "", http.StatusNotFound},
		{"scan busy", http.MethodPost, "/api/scan", "", http.StatusConflict},
		{"wrong method", http.MethodPatch, "/api/positions/p1", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.target, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestHandler(Config{}, nil)
	rec := do(h, http.MethodGet, "/api/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(h, http.MethodGet, "/api/health", "", map[string]string{"X-Request-ID": "abc"})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	h := newTestHandler(Config{APIKeys: []string{"old", "new"}}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/positions/p1", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, http.MethodGet, "/api/positions/p1", "", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/positions/p1", "", map[string]string{"X-API-Key": "new"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/positions/p1", "", map[string]string{"Authorization": "Bearer old"}).Code)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{n: 2}
	h := newTestHandler(Config{RateLimit: 2, RateLimitWindow: time.Minute}, limiter)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions/p1", "", nil).Code)
	}
	rec := do(h, http.MethodGet, "/api/positions/p1", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(Config{CORSOrigins: []string{"https://app.example.com"}, APIKeys: []string{"k"}}, nil)

	rec := do(h, http.MethodOptions, "/api/positions", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
