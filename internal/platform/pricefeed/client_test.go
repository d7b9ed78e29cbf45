package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func TestGetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/prices/ETH":
			_, _ = w.Write([]byte(`{"symbol":"ETH","price":"2000.55"}`))
		case "/v1/prices/NUMERIC":
			_, _ = w.Write([]byte(`{"symbol":"NUMERIC","price":1.25}`))
		case "/v1/prices/ZERO":
			_, _ = w.Write([]byte(`{"symbol":"ZERO","price":"0"}`))
		case "/v1/prices/BUSY":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/v1/prices/DOWN":
			w.WriteHeader(http.StatusBadGateway)
		case "/v1/prices/BAD":
			w.WriteHeader(http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k", time.Second)
	ctx := context.Background()

	p, err := c.GetPrice(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, "2000.55", p.String())

	p, err = c.GetPrice(ctx, "NUMERIC")
	require.NoError(t, err)
	assert.Equal(t, "1.25", p.String())

	_, err = c.GetPrice(ctx, "MISSING")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	_, err = c.GetPrice(ctx, "ZERO")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	_, err = c.GetPrice(ctx, "BUSY")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	_, err = c.GetPrice(ctx, "DOWN")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	_, err = c.GetPrice(ctx, "BAD")
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestGetPriceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 50*time.Millisecond)
	_, err := c.GetPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)
}
