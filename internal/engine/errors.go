package engine

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds rejects a placement whose reservation failed. Nothing
// has been written when it is returned; the book was never read.
var ErrInsufficientFunds = errors.New("insufficient funds for reservation")

// ValidationError rejects a placement before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MatchingTxError wraps any failure inside the match transaction. The
// transaction rolled back in full; the caller may retry.
type MatchingTxError struct {
	Err error
}

func (e *MatchingTxError) Error() string {
	return "matching transaction failed: " + e.Err.Error()
}

func (e *MatchingTxError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a rolled-back matching transaction.
func IsRetryable(err error) bool {
	var te *MatchingTxError
	return errors.As(err, &te)
}
