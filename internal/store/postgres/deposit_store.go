package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// DepositStore implements domain.DepositLedger using PostgreSQL.
type DepositStore struct {
	pool *pgxpool.Pool
}

var _ domain.DepositLedger = (*DepositStore)(nil)

// NewDepositStore creates a new DepositStore backed by the given connection pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

const depositSelectCols = `position_id::text, token_symbol, amount::text, added_at`

func scanDeposit(row pgx.Row) (domain.ExtraDeposit, error) {
	var (
		e      domain.ExtraDeposit
		amount string
	)
	if err := row.Scan(&e.PositionID, &e.TokenSymbol, &amount, &e.AddedAt); err != nil {
		return domain.ExtraDeposit{}, err
	}
	d, err := parseNumeric(amount)
	if err != nil {
		return domain.ExtraDeposit{}, err
	}
	e.Amount = d
	return e, nil
}

// AddDeposit inserts the (position, token) row or adds amount to it. The
// position row is share-locked for the duration of the upsert, so a
// concurrent close waits and a closed position never gains a deposit.
// Postgres serialises concurrent upserts on the same key through the
// primary key index, so no increment is lost.
func (s *DepositStore) AddDeposit(ctx context.Context, positionID, token string, amount decimal.Decimal) (domain.ExtraDeposit, error) {
	if !amount.IsPositive() {
		return domain.ExtraDeposit{}, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount.String())
	}

	const upsert = `
		INSERT INTO extra_deposits (position_id, token_symbol, amount)
		VALUES ($1::uuid, $2, $3::numeric)
		ON CONFLICT (position_id, token_symbol) DO UPDATE SET
			amount   = extra_deposits.amount + EXCLUDED.amount,
			added_at = NOW()
		RETURNING ` + depositSelectCols

	var e domain.ExtraDeposit
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM positions WHERE id = $1::uuid FOR SHARE`, positionID).Scan(&status)
		if err != nil {
			return err
		}
		switch domain.PositionStatus(status) {
		case domain.PositionStatusOpened:
		case domain.PositionStatusClosed:
			return domain.ErrAlreadyTerminal
		default:
			return fmt.Errorf("%w: position is %s", domain.ErrInvalidRequest, status)
		}
		e, err = scanDeposit(tx.QueryRow(ctx, upsert, positionID, token, amount.String()))
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) || errors.Is(err, domain.ErrInvalidRequest) {
			return domain.ExtraDeposit{}, fmt.Errorf("postgres: add deposit to %s: %w", positionID, err)
		}
		if errors.Is(mapMissingRef(err), domain.ErrNotFound) {
			return domain.ExtraDeposit{}, fmt.Errorf("postgres: add deposit to %s: %w", positionID, domain.ErrNotFound)
		}
		return domain.ExtraDeposit{}, fmt.Errorf("postgres: add deposit to %s: %w", positionID, err)
	}
	return e, nil
}

// ListByPosition returns every ledger row of the position ordered by token.
func (s *DepositStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ExtraDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositSelectCols+` FROM extra_deposits
		 WHERE position_id = $1::uuid
		 ORDER BY token_symbol`, positionID)
	if err != nil {
		if errors.Is(mapMissingRef(err), domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list deposits for %s: %w", positionID, err)
	}
	defer rows.Close()

	var entries []domain.ExtraDeposit
	for rows.Next() {
		e, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deposit: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(mapMissingRef(err), domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list deposits rows: %w", err)
	}
	return entries, nil
}

// DeleteAllForPosition clears the position's ledger and returns the row count.
func (s *DepositStore) DeleteAllForPosition(ctx context.Context, positionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extra_deposits WHERE position_id = $1::uuid`, positionID)
	if err != nil {
		if errors.Is(mapMissingRef(err), domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: delete deposits for %s: %w", positionID, err)
	}
	return tag.RowsAffected(), nil
}
