// Package evm reads position accounts, token balances and debt from an
// EVM chain through eth_call.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// ContractCaller executes read-only calls. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Token describes an ERC-20 the platform tracks. DebtToken is the
// variable-debt token whose balance is the amount owed in this token, and
// is only required for tokens that can be borrowed.
type Token struct {
	Address   string
	Decimals  int32
	DebtToken string
}

// Config wires the client to the chain.
type Config struct {
	AccountFactory string
	BorrowToken    string
	Tokens         map[string]Token
}

// Client implements domain.BalanceReader.
type Client struct {
	caller  ContractCaller
	factory common.Address
	borrow  string
	tokens  map[string]Token
	logger  *slog.Logger
}

var _ domain.BalanceReader = (*Client)(nil)

// Dial connects to rpcURL and returns the client plus the connection closer.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *slog.Logger) (*Client, func(), error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial: %w", err)
	}
	return New(ec, cfg, logger), ec.Close, nil
}

// New creates a client over an existing caller.
func New(caller ContractCaller, cfg Config, logger *slog.Logger) *Client {
	tokens := make(map[string]Token, len(cfg.Tokens))
	for sym, t := range cfg.Tokens {
		tokens[domain.NormalizeSymbol(sym)] = t
	}
	return &Client{
		caller:  caller,
		factory: common.HexToAddress(cfg.AccountFactory),
		borrow:  domain.NormalizeSymbol(cfg.BorrowToken),
		tokens:  tokens,
		logger:  logger.With(slog.String("component", "evm")),
	}
}

// AccountSalt is the factory salt for a position: keccak256 of its id.
func AccountSalt(positionID string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(positionID))
}

// ResolveAccount looks up the position's smart account and its debt in the
// configured borrow token. It makes two reads: accountOf on the factory,
// then balanceOf on the borrow token's debt token. A gateway retry repeats
// both.
func (c *Client) ResolveAccount(ctx context.Context, pos domain.Position) (domain.Account, error) {
	data, err := factoryABI.Pack("accountOf", AccountSalt(pos.ID))
	if err != nil {
		return domain.Account{}, fmt.Errorf("evm: pack accountOf: %w", err)
	}
	out, err := c.call(ctx, c.factory, data)
	if err != nil {
		return domain.Account{}, fmt.Errorf("evm: accountOf %s: %w", pos.ID, err)
	}
	vals, err := factoryABI.Unpack("accountOf", out)
	if err != nil || len(vals) != 1 {
		return domain.Account{}, fmt.Errorf("evm: decode accountOf %s: %w", pos.ID, errOrShort(err))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return domain.Account{}, fmt.Errorf("evm: decode accountOf %s: unexpected %T", pos.ID, vals[0])
	}
	if addr == (common.Address{}) {
		return domain.Account{}, fmt.Errorf("evm: no account for position %s: %w", pos.ID, domain.ErrNotFound)
	}

	debt, err := c.GetBorrowedAmount(ctx, addr.Hex(), c.borrow)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{Address: addr.Hex(), BorrowedToken: c.borrow, BorrowedAmount: debt}, nil
}

// GetBalance returns the account's balance of token in whole units. Tokens
// without a configured contract read as zero.
func (c *Client) GetBalance(ctx context.Context, token, account string) (decimal.Decimal, error) {
	t, ok := c.tokens[domain.NormalizeSymbol(token)]
	if !ok {
		c.logger.WarnContext(ctx, "unknown token, reading zero balance", slog.String("token", token))
		return decimal.Zero, nil
	}
	return c.balanceOf(ctx, token, t.Address, account, t.Decimals)
}

// GetBorrowedAmount returns the account's outstanding debt in token.
func (c *Client) GetBorrowedAmount(ctx context.Context, account, token string) (decimal.Decimal, error) {
	t, ok := c.tokens[domain.NormalizeSymbol(token)]
	if !ok || t.DebtToken == "" {
		return decimal.Zero, fmt.Errorf("evm: no debt token configured for %s", token)
	}
	return c.balanceOf(ctx, token+" debt", t.DebtToken, account, t.Decimals)
}

func (c *Client) balanceOf(ctx context.Context, label, contract, account string, decimals int32) (decimal.Decimal, error) {
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	out, err := c.call(ctx, common.HexToAddress(contract), data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: balanceOf %s: %w", label, err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return decimal.Zero, fmt.Errorf("evm: decode balanceOf %s: %w", label, errOrShort(err))
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("evm: decode balanceOf %s: unexpected %T", label, vals[0])
	}
	return decimal.NewFromBigInt(raw, -decimals), nil
}

// call runs eth_call and classifies failures as gateway errors.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}

var errShortOutput = errors.New("short output")

func errOrShort(err error) error {
	if err != nil {
		return err
	}
	return errShortOutput
}
