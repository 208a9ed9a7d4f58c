package domain

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the marketplace answers 429. The transport
// never retries it; the pacer and identity pool own the cool-down reaction.
var ErrRateLimited = errors.New("marketplace rate limit exceeded")

// InsufficientFundsError is the parsed form of the marketplace's
// not-enough-balance rejection, distinguishable from transport failure so a
// caller can skip the identity or pause the collection instead of retrying.
type InsufficientFundsError struct {
	Required  int64 // sats
	Available int64 // sats
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d sats, available %d sats", e.Required, e.Available)
}

// IsInsufficientFunds reports whether err wraps an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var ife *InsufficientFundsError
	return errors.As(err, &ife)
}
