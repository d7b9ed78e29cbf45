package domain

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PendingDraft carries the fields written by create-or-reuse.
type PendingDraft struct {
	Owner       string
	TokenSymbol string
	Amount      decimal.Decimal
	Multiplier  int
}

// PositionStore persists positions. Transition methods are conditional on
// the current status so concurrent callers cannot regress a position.
type PositionStore interface {
	// UpsertPending overwrites the owner's pending draft or creates one.
	UpsertPending(ctx context.Context, draft PendingDraft) (Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
	// MarkOpened moves a pending position to opened. ErrNotFound when no
	// pending row with that id exists.
	MarkOpened(ctx context.Context, id string, startPrice decimal.Decimal) (Position, error)
	// MarkClosed moves a non-closed position to closed.
	MarkClosed(ctx context.Context, id string) (Position, error)
	// MarkLiquidated flags an opened position. It reports false when no
	// opened, unliquidated row matched.
	MarkLiquidated(ctx context.Context, id string, bonus *decimal.Decimal) (bool, error)
	// ListOpen yields every opened position. Each range re-queries.
	ListOpen(ctx context.Context) iter.Seq2[Position, error]
	ListLiquidated(ctx context.Context, opts ListOpts) ([]Position, error)
	// Delete removes the position and its ledger.
	Delete(ctx context.Context, id string) error
}

// DepositLedger persists extra deposits keyed by (position, token).
type DepositLedger interface {
	// AddDeposit atomically inserts or increments the ledger row.
	AddDeposit(ctx context.Context, positionID, token string, amount decimal.Decimal) (ExtraDeposit, error)
	ListByPosition(ctx context.Context, positionID string) ([]ExtraDeposit, error)
	DeleteAllForPosition(ctx context.Context, positionID string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
