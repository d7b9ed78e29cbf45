package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// LiquidationSource is the read side the archiver needs.
type LiquidationSource interface {
	ListLiquidated(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// DepositSource lists a position's ledger.
type DepositSource interface {
	ListByPosition(ctx context.Context, positionID string) ([]domain.ExtraDeposit, error)
}

// archiveRecord is one JSONL line: a liquidated position with its ledger.
type archiveRecord struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	TokenSymbol      string          `json:"token_symbol"`
	Amount           string          `json:"amount"`
	Multiplier       int             `json:"multiplier"`
	Status           string          `json:"status"`
	StartPrice       *string         `json:"start_price,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	OpenedAt         *time.Time      `json:"opened_at,omitempty"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	LiquidationAt    *time.Time      `json:"liquidation_at,omitempty"`
	LiquidationBonus *string         `json:"liquidation_bonus,omitempty"`
	Deposits         []depositRecord `json:"deposits"`
}

type depositRecord struct {
	TokenSymbol string    `json:"token_symbol"`
	Amount      string    `json:"amount"`
	AddedAt     time.Time `json:"added_at"`
}

// LiquidationArchiver exports liquidated positions to object storage as
// JSONL, one object per UTC day of liquidation. Rows are not removed from
// the database.
type LiquidationArchiver struct {
	writer    domain.BlobWriter
	positions LiquidationSource
	deposits  DepositSource
	audit     domain.AuditStore
	prefix    string
}

var _ domain.Archiver = (*LiquidationArchiver)(nil)

// NewLiquidationArchiver creates an archiver writing under prefix.
func NewLiquidationArchiver(
	writer domain.BlobWriter,
	positions LiquidationSource,
	deposits DepositSource,
	audit domain.AuditStore,
	prefix string,
) *LiquidationArchiver {
	if prefix == "" {
		prefix = "liquidations"
	}
	return &LiquidationArchiver{
		writer:    writer,
		positions: positions,
		deposits:  deposits,
		audit:     audit,
		prefix:    prefix,
	}
}

// ArchiveLiquidations writes every position liquidated during the UTC day
// that ends at or before `before`. The object key depends only on the day,
// so re-running a day overwrites the same object.
func (a *LiquidationArchiver) ArchiveLiquidations(ctx context.Context, before time.Time) (int64, error) {
	dayEnd := before.UTC().Truncate(24 * time.Hour)
	dayStart := dayEnd.Add(-24 * time.Hour)
	until := dayEnd.Add(-time.Nanosecond)

	positions, err := a.positions.ListLiquidated(ctx, domain.ListOpts{Since: &dayStart, Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive liquidations query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	records := make([]archiveRecord, 0, len(positions))
	for _, p := range positions {
		deposits, err := a.deposits.ListByPosition(ctx, p.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive deposits for %s: %w", p.ID, err)
		}
		records = append(records, toRecord(p, deposits))
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive liquidations marshal: %w", err)
	}

	key := archivePath(a.prefix, dayStart)
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive liquidations upload: %w", err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.liquidations", map[string]any{
			"path":  key,
			"count": count,
			"day":   dayStart.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive liquidations audit log: %w", err)
		}
	}
	return count, nil
}

func toRecord(p domain.Position, deposits []domain.ExtraDeposit) archiveRecord {
	r := archiveRecord{
		ID:            p.ID,
		Owner:         p.Owner,
		TokenSymbol:   p.TokenSymbol,
		Amount:        p.Amount.String(),
		Multiplier:    p.Multiplier,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		LiquidationAt: p.LiquidationAt,
		Deposits:      make([]depositRecord, 0, len(deposits)),
	}
	if p.StartPrice != nil {
		s := p.StartPrice.String()
		r.StartPrice = &s
	}
	if p.LiquidationBonus != nil {
		s := p.LiquidationBonus.String()
		r.LiquidationBonus = &s
	}
	for _, d := range deposits {
		r.Deposits = append(r.Deposits, depositRecord{
			TokenSymbol: d.TokenSymbol,
			Amount:      d.Amount.String(),
			AddedAt:     d.AddedAt,
		})
	}
	return r
}

// archivePath partitions by day, e.g. liquidations/2025/01/31/positions.jsonl.
func archivePath(prefix string, day time.Time) string {
	return path.Join(prefix, day.Format("2006/01/02"), "positions.jsonl")
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
