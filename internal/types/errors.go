package types

import (
	"errors"
	"fmt"
	"math/big"
)

type TransactionError struct {
	Code      string
	Message   string
	Err       error
	Shortfall *Shortfall
}

func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Is matches any TransactionError carrying the same code, so callers can
// compare against a bare &TransactionError{Code: ErrUnsupportedChain}.
func (e *TransactionError) Is(target error) bool {
	t, ok := target.(*TransactionError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

const (
	// creation time, surfaced synchronously
	ErrInvalidSchedule  = "INVALID_SCHEDULE"
	ErrUnsupportedChain = "UNSUPPORTED_CHAIN"

	// non-fatal, logged only
	ErrNameResolutionFallback = "NAME_RESOLUTION_FALLBACK"

	// execution time, recorded per item
	ErrInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrSigningFailure      = "SIGNING_FAILURE"
	ErrSubmissionFailure   = "SUBMISSION_FAILURE"
	ErrConfirmationTimeout = "CONFIRMATION_TIMEOUT"

	ErrUnknown = "UNKNOWN_ERROR"
)

// Shortfall describes how far an account is from covering an execution.
// All values are in the chain's native base unit.
type Shortfall struct {
	Current  *big.Int `json:"current"`
	Required *big.Int `json:"required"`
	Deficit  *big.Int `json:"deficit"`
}

func (s Shortfall) String() string {
	return fmt.Sprintf("current=%s required=%s deficit=%s", s.Current, s.Required, s.Deficit)
}

func NewError(code, message string, err error) *TransactionError {
	return &TransactionError{Code: code, Message: message, Err: err}
}

func InvalidSchedule(format string, args ...any) *TransactionError {
	return &TransactionError{Code: ErrInvalidSchedule, Message: fmt.Sprintf(format, args...)}
}

func UnsupportedChain(chainID int64) *TransactionError {
	return &TransactionError{
		Code:    ErrUnsupportedChain,
		Message: fmt.Sprintf("chain %d is not configured", chainID),
	}
}

// IsKind reports whether err carries a TransactionError with the given code.
func IsKind(err error, code string) bool {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr.Code == code
	}
	return false
}

// KindOf returns the code of the first TransactionError in err's chain, or
// ErrUnknown.
func KindOf(err error) string {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr.Code
	}
	return ErrUnknown
}
