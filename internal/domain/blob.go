package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves settled risk history to cold storage.
type Archiver interface {
	// ArchiveLiquidations exports positions liquidated before the cutoff and
	// returns how many were written.
	ArchiveLiquidations(ctx context.Context, before time.Time) (int64, error)
}
