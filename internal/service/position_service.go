package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/observability"
	"github.com/alanyoungcy/marginbot/internal/risk"
)

// PositionConfig bounds the accepted leverage.
type PositionConfig struct {
	MinMultiplier int
	MaxMultiplier int
}

// PositionService owns every mutation of positions and their extra deposit
// ledger. Transitions follow pending -> opened -> closed; the liquidation
// flag can only be raised on an opened position.
type PositionService struct {
	positions domain.PositionStore
	ledger    domain.DepositLedger
	cfg       PositionConfig
	rec       recorder
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. audit, bus and metrics may be nil.
func NewPositionService(
	positions domain.PositionStore,
	ledger domain.DepositLedger,
	audit domain.AuditStore,
	bus domain.SignalBus,
	metrics *observability.Metrics,
	cfg PositionConfig,
	logger *slog.Logger,
) *PositionService {
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = 1
	}
	if cfg.MaxMultiplier < cfg.MinMultiplier {
		cfg.MaxMultiplier = 20
	}
	logger = logger.With(slog.String("component", "position_service"))
	return &PositionService{
		positions: positions,
		ledger:    ledger,
		cfg:       cfg,
		rec:       recorder{audit: audit, bus: bus, logger: logger},
		metrics:   metrics,
		logger:    logger,
	}
}

// CreateOrReusePending stores the owner's draft. An owner has at most one
// pending position; calling again overwrites its fields in place.
func (s *PositionService) CreateOrReusePending(ctx context.Context, owner, token string, amount decimal.Decimal, multiplier int) (domain.Position, error) {
	owner = strings.TrimSpace(owner)
	token = domain.NormalizeSymbol(token)
	switch {
	case owner == "":
		return domain.Position{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	case token == "":
		return domain.Position{}, fmt.Errorf("%w: token is required", domain.ErrInvalidRequest)
	case !amount.IsPositive():
		return domain.Position{}, fmt.Errorf("%w: %s must be positive", domain.ErrInvalidAmount, amount.String())
	case multiplier < s.cfg.MinMultiplier || multiplier > s.cfg.MaxMultiplier:
		return domain.Position{}, fmt.Errorf("%w: %d outside [%d, %d]",
			domain.ErrInvalidMultiplier, multiplier, s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
	}

	pos, err := s.positions.UpsertPending(ctx, domain.PendingDraft{
		Owner:       owner,
		TokenSymbol: token,
		Amount:      amount,
		Multiplier:  multiplier,
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create pending: %w", err)
	}
	s.rec.positionEvent(ctx, domain.EventPositionCreated, pos, map[string]any{
		"token":      pos.TokenSymbol,
		"amount":     pos.Amount.String(),
		"multiplier": pos.Multiplier,
	})
	return pos, nil
}

// Get returns a position by id.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, wrapStoreErr("get position", err)
	}
	return pos, nil
}

// ListByOwner returns an owner's positions.
func (s *PositionService) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	out, err := s.positions.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list by owner: %w", err)
	}
	return out, nil
}

// Open moves a pending position to opened, recording the reference price
// of its base token from prices. Opening an opened position returns it
// unchanged so the start price is never rewritten; opening a closed one
// fails with domain.ErrAlreadyTerminal.
func (s *PositionService) Open(ctx context.Context, id string, prices map[string]decimal.Decimal) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, wrapStoreErr("open", err)
	}
	switch pos.Status {
	case domain.PositionStatusClosed:
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", id, domain.ErrAlreadyTerminal)
	case domain.PositionStatusOpened:
		return pos, nil
	}

	price, ok := NormalizePrices(prices)[pos.TokenSymbol]
	if !ok || !price.IsPositive() {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w: %s", id, domain.ErrPriceUnavailable, pos.TokenSymbol)
	}

	opened, err := s.positions.MarkOpened(ctx, id, price)
	if errors.Is(err, domain.ErrNotFound) {
		// Lost a race with another transition; report the state that won.
		current, getErr := s.positions.GetByID(ctx, id)
		switch {
		case getErr != nil:
			return domain.Position{}, wrapStoreErr("open", getErr)
		case current.Status == domain.PositionStatusOpened:
			return current, nil
		case current.Status == domain.PositionStatusClosed:
			return domain.Position{}, fmt.Errorf("position_service: open %s: %w", id, domain.ErrAlreadyTerminal)
		}
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", id, err)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", id, err)
	}

	s.transitioned(domain.PositionStatusOpened)
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", id),
		slog.String("token", opened.TokenSymbol),
		slog.String("start_price", price.String()),
	)
	s.rec.positionEvent(ctx, domain.EventPositionOpened, opened, map[string]any{
		"start_price": price.String(),
	})
	return opened, nil
}

// Close closes a position. Closing a closed position is a no-op that
// returns it unchanged.
func (s *PositionService) Close(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, wrapStoreErr("close", err)
	}
	if pos.Status == domain.PositionStatusClosed {
		return pos, nil
	}

	closed, err := s.positions.MarkClosed(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		current, getErr := s.positions.GetByID(ctx, id)
		if getErr == nil && current.Status == domain.PositionStatusClosed {
			return current, nil
		}
		return domain.Position{}, wrapStoreErr("close", err)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: close %s: %w", id, err)
	}

	s.transitioned(domain.PositionStatusClosed)
	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id),
		slog.Bool("liquidated", closed.IsLiquidated),
	)
	s.rec.positionEvent(ctx, domain.EventPositionClosed, closed, nil)
	return closed, nil
}

// Liquidate raises the liquidation flag on an opened position, leaving its
// status untouched. It reports false without error when the position does
// not exist or is not opened, and true when the flag is already set.
func (s *PositionService) Liquidate(ctx context.Context, id string, bonus *decimal.Decimal) (bool, error) {
	ok, err := s.positions.MarkLiquidated(ctx, id, bonus)
	if err != nil {
		return false, fmt.Errorf("position_service: liquidate %s: %w", id, err)
	}
	if !ok {
		pos, err := s.positions.GetByID(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("position_service: liquidate %s: %w", id, err)
		}
		return pos.IsLiquidated, nil
	}

	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "reload liquidated position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		pos = domain.Position{ID: id, Status: domain.PositionStatusOpened, IsLiquidated: true}
	}
	extra := map[string]any{}
	if bonus != nil {
		extra["bonus"] = bonus.String()
	}
	s.logger.InfoContext(ctx, "position liquidated", slog.String("position_id", id))
	s.rec.positionEvent(ctx, domain.EventPositionLiquidated, pos, extra)
	return true, nil
}

// ListOpen yields every opened position; see domain.PositionStore.ListOpen.
func (s *PositionService) ListOpen(ctx context.Context) iter.Seq2[domain.Position, error] {
	return s.positions.ListOpen(ctx)
}

// ListLiquidated returns liquidated positions, most recent first.
func (s *PositionService) ListLiquidated(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	out, err := s.positions.ListLiquidated(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list liquidated: %w", err)
	}
	return out, nil
}

// AddDeposit accumulates amount of token into an opened position's ledger.
// The ledger re-checks the status at write time, so a deposit racing a
// close fails with ErrAlreadyTerminal.
func (s *PositionService) AddDeposit(ctx context.Context, id, token string, amount decimal.Decimal) (domain.ExtraDeposit, error) {
	token = domain.NormalizeSymbol(token)
	if token == "" {
		return domain.ExtraDeposit{}, fmt.Errorf("%w: token is required", domain.ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return domain.ExtraDeposit{}, fmt.Errorf("%w: %s must be positive", domain.ErrInvalidAmount, amount.String())
	}

	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.ExtraDeposit{}, wrapStoreErr("add deposit", err)
	}
	switch pos.Status {
	case domain.PositionStatusClosed:
		return domain.ExtraDeposit{}, fmt.Errorf("position_service: add deposit %s: %w", id, domain.ErrAlreadyTerminal)
	case domain.PositionStatusPending:
		return domain.ExtraDeposit{}, fmt.Errorf("position_service: add deposit %s: %w: position not opened", id, domain.ErrInvalidRequest)
	}

	entry, err := s.ledger.AddDeposit(ctx, id, token, amount)
	if err != nil {
		return domain.ExtraDeposit{}, wrapStoreErr("add deposit", err)
	}
	if s.metrics != nil {
		s.metrics.Deposits.Inc()
	}
	s.rec.positionEvent(ctx, domain.EventDepositAdded, pos, map[string]any{
		"token":  token,
		"amount": amount.String(),
		"total":  entry.Amount.String(),
	})
	return entry, nil
}

// ListDeposits returns the position's ledger as token -> cumulative amount.
func (s *PositionService) ListDeposits(ctx context.Context, id string) (map[string]decimal.Decimal, error) {
	if _, err := s.positions.GetByID(ctx, id); err != nil {
		return nil, wrapStoreErr("list deposits", err)
	}
	entries, err := s.ledger.ListByPosition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("position_service: list deposits %s: %w", id, err)
	}
	return domain.DepositAmounts(entries), nil
}

// Valuation is a position's holdings priced at caller-supplied prices.
type Valuation struct {
	Holdings map[string]decimal.Decimal
	Total    decimal.Decimal
}

// PositionValue prices the base deposit plus ledger at prices.
func (s *PositionService) PositionValue(ctx context.Context, id string, prices map[string]decimal.Decimal) (Valuation, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return Valuation{}, wrapStoreErr("position value", err)
	}
	entries, err := s.ledger.ListByPosition(ctx, id)
	if err != nil {
		return Valuation{}, fmt.Errorf("position_service: position value %s: %w", id, err)
	}
	holdings := risk.Holdings(pos, entries)
	total, err := risk.Value(holdings, NormalizePrices(prices))
	if err != nil {
		return Valuation{}, fmt.Errorf("position_service: position value %s: %w", id, err)
	}
	return Valuation{Holdings: holdings, Total: total}, nil
}

// Delete permanently removes a position and its ledger. It is an
// administrative cleanup, not a lifecycle transition.
func (s *PositionService) Delete(ctx context.Context, id string) error {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return wrapStoreErr("delete", err)
	}
	n, err := s.ledger.DeleteAllForPosition(ctx, id)
	if err != nil {
		return fmt.Errorf("position_service: delete deposits %s: %w", id, err)
	}
	if err := s.positions.Delete(ctx, id); err != nil {
		return wrapStoreErr("delete", err)
	}
	s.logger.InfoContext(ctx, "position deleted",
		slog.String("position_id", id),
		slog.Int64("ledger_rows", n),
	)
	s.rec.positionEvent(ctx, domain.EventPositionDeleted, pos, map[string]any{"ledger_rows": n})
	return nil
}

func (s *PositionService) transitioned(to domain.PositionStatus) {
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
}

// NormalizePrices upper-cases price map keys.
func NormalizePrices(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		out[domain.NormalizeSymbol(k)] = v
	}
	return out
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("position_service: %s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("position_service: %s: %w", op, err)
}
