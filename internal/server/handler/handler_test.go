package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/service"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubPositions returns canned results and records the last arguments.
type stubPositions struct {
	pos       domain.Position
	err       error
	deposits  map[string]decimal.Decimal
	value     service.Valuation
	gotPrices map[string]decimal.Decimal
	gotAmount decimal.Decimal
	gotOpts   domain.ListOpts
}

func (s *stubPositions) CreateOrReusePending(_ context.Context, owner, token string, amount decimal.Decimal, multiplier int) (domain.Position, error) {
	s.gotAmount = amount
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return domain.Position{ID: "p1", Owner: owner, TokenSymbol: token, Amount: amount, Multiplier: multiplier, Status: domain.PositionStatusPending}, nil
}

func (s *stubPositions) Get(context.Context, string) (domain.Position, error) { return s.pos, s.err }

func (s *stubPositions) ListByOwner(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Position, error) {
	s.gotOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return []domain.Position{s.pos}, nil
}

func (s *stubPositions) Open(_ context.Context, _ string, prices map[string]decimal.Decimal) (domain.Position, error) {
	s.gotPrices = prices
	return s.pos, s.err
}

func (s *stubPositions) Close(context.Context, string) (domain.Position, error) { return s.pos, s.err }

func (s *stubPositions) Delete(context.Context, string) error { return s.err }

func (s *stubPositions) AddDeposit(_ context.Context, id, token string, amount decimal.Decimal) (domain.ExtraDeposit, error) {
	if s.err != nil {
		return domain.ExtraDeposit{}, s.err
	}
	return domain.ExtraDeposit{PositionID: id, TokenSymbol: token, Amount: amount.Add(decimal.NewFromInt(1000))}, nil
}

func (s *stubPositions) ListDeposits(context.Context, string) (map[string]decimal.Decimal, error) {
	return s.deposits, s.err
}

func (s *stubPositions) PositionValue(_ context.Context, _ string, prices map[string]decimal.Decimal) (service.Valuation, error) {
	s.gotPrices = prices
	return s.value, s.err
}

func (s *stubPositions) ListLiquidated(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.gotOpts = opts
	return nil, s.err
}

func serve(h http.HandlerFunc, method, pattern, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, h)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{domain.ErrInvalidMultiplier, http.StatusBadRequest},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrAlreadyTerminal, http.StatusConflict},
		{domain.ErrScanInProgress, http.StatusConflict},
		{domain.ErrPriceUnavailable, http.StatusUnprocessableEntity},
		{domain.ErrGatewayTimeout, http.StatusServiceUnavailable},
		{domain.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("position_service: open p1: %w", domain.ErrAlreadyTerminal), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestCreatePosition(t *testing.T) {
	stub := &stubPositions{}
	h := NewPositionHandler(stub, discardLogger())

	rec := serve(h.CreatePosition, http.MethodPost, "/api/positions", "/api/positions",
		`{"owner":"alice","token_symbol":"ETH","amount":"1.5","multiplier":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "1.5", body["amount"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(3), body["multiplier"])
}

func TestCreatePositionRejectsBadInput(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, discardLogger())

	for name, body := range map[string]string{
		"not json":       `{`,
		"unknown field":  `{"owner":"a","token_symbol":"ETH","amount":"1","multiplier":2,"leverage":9}`,
		"bad amount":     `{"owner":"a","token_symbol":"ETH","amount":"lots","multiplier":2}`,
		"negative":       `{"owner":"a","token_symbol":"ETH","amount":"-1","multiplier":2}`,
		"numeric amount": `{"owner":"a","token_symbol":"ETH","amount":1,"multiplier":2}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(h.CreatePosition, http.MethodPost, "/api/positions", "/api/positions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestOpenPositionPassesPrices(t *testing.T) {
	price := decimal.RequireFromString("2000")
	stub := &stubPositions{pos: domain.Position{ID: "p1", Status: domain.PositionStatusOpened, StartPrice: &price}}
	h := NewPositionHandler(stub, discardLogger())

	rec := serve(h.OpenPosition, http.MethodPost, "/api/positions/{id}/open", "/api/positions/p1/open",
		`{"prices":{"ETH":"2000"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, stub.gotPrices["ETH"].Equal(price))
	assert.Equal(t, "2000", decodeBody(t, rec)["start_price"])
}

func TestOpenPositionMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrPriceUnavailable, http.StatusUnprocessableEntity},
		{domain.ErrAlreadyTerminal, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		h := NewPositionHandler(&stubPositions{err: tt.err}, discardLogger())
		rec := serve(h.OpenPosition, http.MethodPost, "/api/positions/{id}/open", "/api/positions/p1/open", `{"prices":{}}`)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
		assert.Contains(t, decodeBody(t, rec)["error"], tt.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	h := NewPositionHandler(&stubPositions{err: errors.New("pq: password authentication failed")}, discardLogger())
	rec := serve(h.GetPosition, http.MethodGet, "/api/positions/{id}", "/api/positions/p1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "get position failed", decodeBody(t, rec)["error"])
}

func TestListPositionsRequiresOwner(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, discardLogger())
	rec := serve(h.ListPositions, http.MethodGet, "/api/positions", "/api/positions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPositionsParsesOpts(t *testing.T) {
	stub := &stubPositions{pos: domain.Position{ID: "p1", Status: domain.PositionStatusOpened}}
	h := NewPositionHandler(stub, discardLogger())

	rec := serve(h.ListPositions, http.MethodGet, "/api/positions",
		"/api/positions?owner=alice&limit=9999&offset=10&since=2026-01-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, stub.gotOpts.Limit)
	assert.Equal(t, 10, stub.gotOpts.Offset)
	require.NotNil(t, stub.gotOpts.Since)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), stub.gotOpts.Since.UTC())

	rec = serve(h.ListPositions, http.MethodGet, "/api/positions", "/api/positions?owner=alice&until=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddDepositAndList(t *testing.T) {
	stub := &stubPositions{deposits: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("1500")}}
	h := NewPositionHandler(stub, discardLogger())

	rec := serve(h.AddDeposit, http.MethodPost, "/api/positions/{id}/deposits", "/api/positions/p1/deposits",
		`{"token_symbol":"USDC","amount":"500"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1500", decodeBody(t, rec)["amount"])

	rec = serve(h.ListDeposits, http.MethodGet, "/api/positions/{id}/deposits", "/api/positions/p1/deposits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, map[string]any{"USDC": "1500"}, body["deposits"])
}

func TestPositionValue(t *testing.T) {
	stub := &stubPositions{value: service.Valuation{
		Holdings: map[string]decimal.Decimal{"ETH": decimal.RequireFromString("2")},
		Total:    decimal.RequireFromString("4000"),
	}}
	h := NewPositionHandler(stub, discardLogger())

	rec := serve(h.PositionValue, http.MethodPost, "/api/positions/{id}/value", "/api/positions/p1/value",
		`{"prices":{"ETH":"2000"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4000", decodeBody(t, rec)["total"])

	rec = serve(h.PositionValue, http.MethodPost, "/api/positions/{id}/value", "/api/positions/p1/value",
		`{"prices":{"ETH":"a lot"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePosition(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, discardLogger())
	rec := serve(h.DeletePosition, http.MethodDelete, "/api/positions/{id}", "/api/positions/p1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListLiquidationsReturnsEmptyArray(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, discardLogger())
	rec := serve(h.ListLiquidations, http.MethodGet, "/api/liquidations", "/api/liquidations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

type stubScanner struct {
	report service.ScanReport
	err    error
}

func (s stubScanner) RunLiquidationScan(context.Context) (service.ScanReport, error) {
	return s.report, s.err
}

func TestTriggerScan(t *testing.T) {
	h := NewScanHandler(stubScanner{report: service.ScanReport{
		Evaluated:  3,
		Liquidated: 1,
		Failures:   []service.PositionFailure{{PositionID: "p2", Error: "gateway unavailable"}},
	}}, discardLogger())
	rec := serve(h.TriggerScan, http.MethodPost, "/api/scan", "/api/scan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["evaluated"])
	assert.Len(t, body["failures"], 1)

	busy := NewScanHandler(stubScanner{report: service.ScanReport{Skipped: true}, err: domain.ErrScanInProgress}, discardLogger())
	rec = serve(busy.TriggerScan, http.MethodPost, "/api/scan", "/api/scan", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubSubs struct {
	sub domain.Subscription
	err error
}

func (s *stubSubs) Subscribe(_ context.Context, owner string, ch domain.Channel) (domain.Subscription, error) {
	if s.err != nil {
		return domain.Subscription{}, s.err
	}
	s.sub = domain.Subscription{Owner: owner, Channel: ch}
	return s.sub, nil
}

func (s *stubSubs) Get(context.Context, string) (domain.Subscription, error) { return s.sub, s.err }

func (s *stubSubs) Unsubscribe(context.Context, string) error { return s.err }

func TestPutSubscription(t *testing.T) {
	subs := &stubSubs{}
	h := NewSubscriptionHandler(subs, discardLogger())

	rec := serve(h.PutSubscription, http.MethodPut, "/api/subscriptions/{owner}", "/api/subscriptions/alice",
		`{"channel":"telegram","target":"42"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", subs.sub.Owner)
	assert.Equal(t, domain.ChannelTelegram, subs.sub.Channel.Kind)

	missing := NewSubscriptionHandler(&stubSubs{err: domain.ErrNotFound}, discardLogger())
	rec = serve(missing.DeleteSubscription, http.MethodDelete, "/api/subscriptions/{owner}", "/api/subscriptions/bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{"postgres": stubPinger{}, "redis": nil}, discardLogger())
	rec := serve(h.HealthCheck, http.MethodGet, "/api/health", "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	h = NewHealthHandler(map[string]Pinger{"postgres": stubPinger{err: errors.New("refused")}}, discardLogger())
	rec = serve(h.HealthCheck, http.MethodGet, "/api/health", "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]any{"postgres": "down"}, decodeBody(t, rec)["dependencies"])
}
