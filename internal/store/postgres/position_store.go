package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// DefaultOpenPageSize is how many opened positions ListOpen fetches per query.
const DefaultOpenPageSize = 200

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool     *pgxpool.Pool
	pageSize int
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool, pageSize: DefaultOpenPageSize}
}

// WithPageSize overrides the ListOpen batch size.
func (s *PositionStore) WithPageSize(n int) *PositionStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

const positionSelectCols = `id::text, owner_id, token_symbol, amount::text, multiplier,
	status, start_price::text, created_at, updated_at, opened_at, closed_at,
	is_liquidated, liquidation_at, liquidation_bonus::text`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		amount, status    string
		startPrice, bonus *string
	)
	err := row.Scan(
		&p.ID, &p.Owner, &p.TokenSymbol, &amount, &p.Multiplier,
		&status, &startPrice, &p.CreatedAt, &p.UpdatedAt, &p.OpenedAt, &p.ClosedAt,
		&p.IsLiquidated, &p.LiquidationAt, &bonus,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if p.Amount, err = parseNumeric(amount); err != nil {
		return domain.Position{}, err
	}
	if p.StartPrice, err = parseNullNumeric(startPrice); err != nil {
		return domain.Position{}, err
	}
	if p.LiquidationBonus, err = parseNullNumeric(bonus); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertPending creates a pending position for the owner or overwrites the
// fields of the one they already have. The partial unique index on
// (owner_id) WHERE status = 'pending' makes this a single statement.
func (s *PositionStore) UpsertPending(ctx context.Context, d domain.PendingDraft) (domain.Position, error) {
	const query = `
		INSERT INTO positions (id, owner_id, token_symbol, amount, multiplier, status)
		VALUES ($1, $2, $3, $4::numeric, $5, 'pending')
		ON CONFLICT (owner_id) WHERE status = 'pending' DO UPDATE SET
			token_symbol = EXCLUDED.token_symbol,
			amount       = EXCLUDED.amount,
			multiplier   = EXCLUDED.multiplier,
			updated_at   = NOW()
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query,
		uuid.NewString(), d.Owner, d.TokenSymbol, d.Amount.String(), d.Multiplier)
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: upsert pending position for %s: %w", d.Owner, err)
	}
	return p, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1::uuid`, id)
	p, err := scanPosition(row)
	if err != nil {
		if mapped := mapMissingRef(err); errors.Is(mapped, domain.ErrNotFound) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns the owner's positions, newest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := appendListOpts(
		`SELECT `+positionSelectCols+` FROM positions WHERE owner_id = $1`,
		[]any{owner}, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", owner, err)
	}
	return positions, nil
}

// transition runs a conditional UPDATE ... RETURNING and maps "no row
// matched" to domain.ErrNotFound.
func (s *PositionStore) transition(ctx context.Context, op, query string, args ...any) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if mapped := mapMissingRef(err); errors.Is(mapped, domain.ErrNotFound) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return p, nil
}

// MarkOpened moves a pending position to opened and records its start price.
func (s *PositionStore) MarkOpened(ctx context.Context, id string, startPrice decimal.Decimal) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			status      = 'opened',
			start_price = $2::numeric,
			opened_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1::uuid AND status = 'pending'
		RETURNING ` + positionSelectCols
	return s.transition(ctx, "open position "+id, query, id, startPrice.String())
}

// MarkClosed closes a pending or opened position.
func (s *PositionStore) MarkClosed(ctx context.Context, id string) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			status     = 'closed',
			closed_at  = NOW(),
			updated_at = NOW()
		WHERE id = $1::uuid AND status <> 'closed'
		RETURNING ` + positionSelectCols
	return s.transition(ctx, "close position "+id, query, id)
}

// MarkLiquidated sets the liquidation flag on an opened position that has
// not been liquidated yet.
func (s *PositionStore) MarkLiquidated(ctx context.Context, id string, bonus *decimal.Decimal) (bool, error) {
	const query = `
		UPDATE positions SET
			is_liquidated     = TRUE,
			liquidation_at    = NOW(),
			liquidation_bonus = $2::numeric,
			updated_at        = NOW()
		WHERE id = $1::uuid AND status = 'opened' AND NOT is_liquidated`

	tag, err := s.pool.Exec(ctx, query, id, nullNumeric(bonus))
	if err != nil {
		if errors.Is(mapMissingRef(err), domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: liquidate position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOpen yields opened positions in id order, fetching pageSize rows at a
// time with keyset pagination. Every range over the returned sequence starts
// a fresh scan.
func (s *PositionStore) ListOpen(ctx context.Context) iter.Seq2[domain.Position, error] {
	const query = `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = 'opened' AND id > $1::uuid
		ORDER BY id
		LIMIT $2`

	return func(yield func(domain.Position, error) bool) {
		after := uuid.Nil.String()
		for {
			rows, err := s.pool.Query(ctx, query, after, s.pageSize)
			if err != nil {
				yield(domain.Position{}, fmt.Errorf("postgres: list open positions: %w", err))
				return
			}
			page, err := scanPositions(rows)
			if err != nil {
				yield(domain.Position{}, fmt.Errorf("postgres: scan open positions: %w", err))
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// ListLiquidated returns liquidated positions, most recent liquidation first.
func (s *PositionStore) ListLiquidated(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := appendListOpts(
		`SELECT `+positionSelectCols+` FROM positions WHERE is_liquidated`,
		nil, "liquidation_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidated positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidated positions: %w", err)
	}
	return positions, nil
}

// Delete removes the ledger rows and the position in one transaction.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM extra_deposits WHERE position_id = $1::uuid`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1::uuid`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if mapped := mapMissingRef(err); errors.Is(mapped, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}
