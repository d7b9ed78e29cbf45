// Package server exposes the position lifecycle, ledger and monitor
// operations over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/middleware"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKeys guard every route except health and metrics. Empty disables auth.
	APIKeys         []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Scan may be nil when the process does not run the monitor.
type Handlers struct {
	Health        *handler.HealthHandler
	Positions     *handler.PositionHandler
	Subscriptions *handler.SubscriptionHandler
	Scan          *handler.ScanHandler
	Metrics       http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain applied. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	p := handlers.Positions
	mux.HandleFunc("POST /api/positions", p.CreatePosition)
	mux.HandleFunc("GET /api/positions", p.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", p.GetPosition)
	mux.HandleFunc("DELETE /api/positions/{id}", p.DeletePosition)
	mux.HandleFunc("POST /api/positions/{id}/open", p.OpenPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", p.ClosePosition)
	mux.HandleFunc("POST /api/positions/{id}/deposits", p.AddDeposit)
	mux.HandleFunc("GET /api/positions/{id}/deposits", p.ListDeposits)
	mux.HandleFunc("POST /api/positions/{id}/value", p.PositionValue)
	mux.HandleFunc("GET /api/liquidations", p.ListLiquidations)

	s := handlers.Subscriptions
	mux.HandleFunc("PUT /api/subscriptions/{owner}", s.PutSubscription)
	mux.HandleFunc("GET /api/subscriptions/{owner}", s.GetSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{owner}", s.DeleteSubscription)

	if handlers.Scan != nil {
		mux.HandleFunc("POST /api/scan", handlers.Scan.TriggerScan)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Auth(cfg.APIKeys, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
