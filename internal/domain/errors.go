package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors shared by the ledger, the stores and the HTTP layer.
// Messages of the business-rule errors are shown to users verbatim.
var (
	ErrValidation           = errors.New("invalid trade request")
	ErrPriceDeviation       = errors.New("price deviates from the market quote")
	ErrInsufficientFunds    = errors.New("Insufficient balance")
	ErrInsufficientHoldings = errors.New("Not enough coins to sell")
	ErrNotFound             = errors.New("User not found")
	ErrConflict             = errors.New("account was modified concurrently")
	ErrExists               = errors.New("account already exists")
)

// ValidationError carries a human-readable reason and matches ErrValidation.
type ValidationError struct {
	Reason string
	cause  error
}

// Invalid builds a ValidationError from a formatted reason.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidBecause is Invalid with an underlying cause exposed through Unwrap.
func InvalidBecause(cause error, format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), cause: cause}
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.cause }

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
