package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidMultiplier  = errors.New("invalid multiplier")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrGatewayTimeout     = errors.New("gateway timeout")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrAlreadyTerminal    = errors.New("position already terminal")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrScanInProgress     = errors.New("scan already in progress")
)

// IsTransient reports whether err is a dependency failure worth one retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrRateLimited)
}
