package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marginbot/internal/server"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
	"github.com/alanyoungcy/marginbot/internal/service"
)

const shutdownTimeout = 5 * time.Second

// MonitorMode runs the liquidation scan loop and the archive job. Health
// and metrics are served on the server port.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps)
	a.startArchive(ctx, g, deps)
	a.startOpsServer(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves the HTTP API and the live event feed. Manual scans are
// unavailable because no gateway is wired.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the monitor, the archive job and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps)
	a.startArchive(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Monitor == nil {
		return
	}
	g.Go(func() error {
		return ignoreCanceled(deps.Monitor.Run(ctx))
	})
}

func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	runner := service.NewArchiveRunner(deps.Archiver, a.cfg.Archive.Interval.Duration, a.cfg.Archive.RetentionDays, a.logger)
	g.Go(func() error {
		return ignoreCanceled(runner.Run(ctx))
	})
}

// startHTTPServer adds the API server and, when a signal bus is wired, the
// WebSocket hub to g. The server shuts down gracefully on cancellation.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(deps.Health, a.logger),
		Positions:     handler.NewPositionHandler(deps.Positions, a.logger),
		Subscriptions: handler.NewSubscriptionHandler(deps.Subscriptions, a.logger),
		Metrics:       deps.Metrics.Handler(),
	}
	if deps.Monitor != nil {
		handlers.Scan = handler.NewScanHandler(deps.Monitor, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return ignoreCanceled(hub.Run(ctx))
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKeys:         a.cfg.Server.APIKeys,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startOpsServer serves only health and metrics.
func (a *App) startOpsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handler.NewHealthHandler(deps.Health, a.logger).HealthCheck)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "ops server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCanceled treats context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
