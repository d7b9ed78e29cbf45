package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// ArchiveRunner periodically exports liquidated positions that are older
// than the retention window to object storage.
type ArchiveRunner struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveRunner creates an ArchiveRunner. retentionDays below one is
// treated as one.
func NewArchiveRunner(archiver domain.Archiver, interval time.Duration, retentionDays int, logger *slog.Logger) *ArchiveRunner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &ArchiveRunner{
		archiver:  archiver,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archive_runner")),
		now:       time.Now,
	}
}

// Run archives once at start and then every interval until ctx is done.
func (r *ArchiveRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce archives the day that just fell out of the retention window.
func (r *ArchiveRunner) RunOnce(ctx context.Context) (int64, error) {
	before := r.now().UTC().Add(-r.retention)
	n, err := r.archiver.ArchiveLiquidations(ctx, before)
	if err != nil {
		r.logger.ErrorContext(ctx, "archive liquidations failed",
			slog.Time("before", before),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	r.logger.InfoContext(ctx, "liquidations archived",
		slog.Time("before", before),
		slog.Int64("positions", n),
	)
	return n, nil
}
