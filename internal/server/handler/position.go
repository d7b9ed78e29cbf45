package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/service"
)

// PositionService defines the methods that the position handlers require.
type PositionService interface {
	CreateOrReusePending(ctx context.Context, owner, token string, amount decimal.Decimal, multiplier int) (domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error)
	Open(ctx context.Context, id string, prices map[string]decimal.Decimal) (domain.Position, error)
	Close(ctx context.Context, id string) (domain.Position, error)
	Delete(ctx context.Context, id string) error
	AddDeposit(ctx context.Context, id, token string, amount decimal.Decimal) (domain.ExtraDeposit, error)
	ListDeposits(ctx context.Context, id string) (map[string]decimal.Decimal, error)
	PositionValue(ctx context.Context, id string, prices map[string]decimal.Decimal) (service.Valuation, error)
	ListLiquidated(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position, deposit and liquidation endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type positionResponse struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	TokenSymbol      string     `json:"token_symbol"`
	Amount           string     `json:"amount"`
	Multiplier       int        `json:"multiplier"`
	Status           string     `json:"status"`
	StartPrice       *string    `json:"start_price,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	IsLiquidated     bool       `json:"is_liquidated"`
	LiquidationAt    *time.Time `json:"liquidation_at,omitempty"`
	LiquidationBonus *string    `json:"liquidation_bonus,omitempty"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		ID:               p.ID,
		Owner:            p.Owner,
		TokenSymbol:      p.TokenSymbol,
		Amount:           p.Amount.String(),
		Multiplier:       p.Multiplier,
		Status:           string(p.Status),
		StartPrice:       decimalString(p.StartPrice),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
		IsLiquidated:     p.IsLiquidated,
		LiquidationAt:    p.LiquidationAt,
		LiquidationBonus: decimalString(p.LiquidationBonus),
	}
}

func toPositionList(ps []domain.Position) []positionResponse {
	out := make([]positionResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPositionResponse(p))
	}
	return out
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalMap(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

type createPositionRequest struct {
	Owner       string `json:"owner"`
	TokenSymbol string `json:"token_symbol"`
	Amount      string `json:"amount"`
	Multiplier  int    `json:"multiplier"`
}

// CreatePosition creates the owner's pending position or updates it in place.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	pos, err := h.positions.CreateOrReusePending(r.Context(), req.Owner, req.TokenSymbol, amount, req.Multiplier)
	if err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

type listPositionsResponse struct {
	Positions []positionResponse `json:"positions"`
}

// ListPositions returns an owner's positions.
// GET /api/positions?owner=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	positions, err := h.positions.ListByOwner(r.Context(), owner, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionList(positions)})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

type pricesRequest struct {
	Prices map[string]string `json:"prices"`
}

// OpenPosition opens a pending position at the supplied reference prices.
// POST /api/positions/{id}/open
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	prices, ok := h.readPrices(w, r, "open position")
	if !ok {
		return
	}
	pos, err := h.positions.Open(r.Context(), pathParam(r, "id"), prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "open position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// ClosePosition closes a position.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Close(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// DeletePosition removes a position and its ledger.
// DELETE /api/positions/{id}
func (h *PositionHandler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.positions.Delete(r.Context(), pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, "delete position", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addDepositRequest struct {
	TokenSymbol string `json:"token_symbol"`
	Amount      string `json:"amount"`
}

type depositResponse struct {
	PositionID  string    `json:"position_id"`
	TokenSymbol string    `json:"token_symbol"`
	Amount      string    `json:"amount"`
	AddedAt     time.Time `json:"added_at"`
}

// AddDeposit adds collateral to an opened position.
// POST /api/positions/{id}/deposits
func (h *PositionHandler) AddDeposit(w http.ResponseWriter, r *http.Request) {
	var req addDepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "add deposit", err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "add deposit", err)
		return
	}
	entry, err := h.positions.AddDeposit(r.Context(), pathParam(r, "id"), req.TokenSymbol, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "add deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{
		PositionID:  entry.PositionID,
		TokenSymbol: entry.TokenSymbol,
		Amount:      entry.Amount.String(),
		AddedAt:     entry.AddedAt,
	})
}

type listDepositsResponse struct {
	PositionID string            `json:"position_id"`
	Deposits   map[string]string `json:"deposits"`
}

// ListDeposits returns the position's ledger.
// GET /api/positions/{id}/deposits
func (h *PositionHandler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	deposits, err := h.positions.ListDeposits(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "list deposits", err)
		return
	}
	writeJSON(w, http.StatusOK, listDepositsResponse{PositionID: id, Deposits: decimalMap(deposits)})
}

type valueResponse struct {
	PositionID string            `json:"position_id"`
	Holdings   map[string]string `json:"holdings"`
	Total      string            `json:"total"`
}

// PositionValue prices the position's holdings.
// POST /api/positions/{id}/value
func (h *PositionHandler) PositionValue(w http.ResponseWriter, r *http.Request) {
	prices, ok := h.readPrices(w, r, "position value")
	if !ok {
		return
	}
	id := pathParam(r, "id")
	v, err := h.positions.PositionValue(r.Context(), id, prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "position value", err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{
		PositionID: id,
		Holdings:   decimalMap(v.Holdings),
		Total:      v.Total.String(),
	})
}

// ListLiquidations returns liquidated positions, most recent first.
// GET /api/liquidations
func (h *PositionHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list liquidations", err)
		return
	}
	positions, err := h.positions.ListLiquidated(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list liquidations", err)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionList(positions)})
}

func (h *PositionHandler) readPrices(w http.ResponseWriter, r *http.Request, op string) (map[string]decimal.Decimal, bool) {
	var req pricesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return nil, false
	}
	prices, err := parsePrices(req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return nil, false
	}
	return prices, true
}
