package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle stage of a leveraged position.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpened  PositionStatus = "opened"
	PositionStatusClosed  PositionStatus = "closed"
)

// Valid reports whether s is a known status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpened, PositionStatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next keeps the status
// sequence a subsequence of pending, opened, closed. Dropping a pending
// draft straight to closed is allowed.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusOpened || next == PositionStatusClosed
	case PositionStatusOpened:
		return next == PositionStatusClosed
	}
	return false
}

// Position is a user's leveraged deposit/borrow combination.
type Position struct {
	ID               string
	Owner            string
	TokenSymbol      string
	Amount           decimal.Decimal
	Multiplier       int
	Status           PositionStatus
	StartPrice       *decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
	OpenedAt         *time.Time
	ClosedAt         *time.Time
	IsLiquidated     bool
	LiquidationAt    *time.Time
	LiquidationBonus *decimal.Decimal
}

// Monitorable reports whether the liquidation monitor should still evaluate p.
// A liquidated position is terminal for risk purposes even while opened.
func (p Position) Monitorable() bool {
	return p.Status == PositionStatusOpened && !p.IsLiquidated
}

// Terminal reports whether no further lifecycle transition is possible.
func (p Position) Terminal() bool {
	return p.Status == PositionStatusClosed
}
