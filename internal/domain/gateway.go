package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Account is the on-chain smart account backing a position.
type Account struct {
	Address        string
	BorrowedToken  string
	BorrowedAmount decimal.Decimal
}

// BalanceReader reads on-chain balances and debt.
// GetBalance returns zero for tokens it has no contract for.
type BalanceReader interface {
	ResolveAccount(ctx context.Context, pos Position) (Account, error)
	GetBalance(ctx context.Context, token string, account string) (decimal.Decimal, error)
	GetBorrowedAmount(ctx context.Context, account string, token string) (decimal.Decimal, error)
}

// PriceReader returns reference-currency spot prices.
type PriceReader interface {
	GetPrice(ctx context.Context, token string) (decimal.Decimal, error)
}

// Gateway is the combined price and balance collaborator.
type Gateway interface {
	BalanceReader
	PriceReader
}
