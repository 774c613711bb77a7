package guard

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing guard.
var (
	ErrInsufficientFunds     = errors.New("credits_insufficient")
	ErrDuplicateCharge       = errors.New("duplicate charge for idempotency key")
	ErrUnknownEntry          = errors.New("unknown ledger entry")
	ErrUnknownAction         = errors.New("unknown action")
	ErrInvalidOrgID          = errors.New("invalid org id")
	ErrInvalidAction         = errors.New("invalid action")
	ErrInvalidCost           = errors.New("invalid cost")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidBalance        = errors.New("invalid balance")
	ErrRefundFailed          = errors.New("refund failed")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// DeclineError is the typed insufficient-funds decline. It is a decision,
// not a fault: it carries the stored balance, the required cost, and the
// purchasable top-up offers for the caller's 402 payload.
type DeclineError struct {
	Balance  int64
	Required int64
	Offers   []Offer
}

// Error returns the decline message.
func (decline *DeclineError) Error() string {
	return fmt.Sprintf("%v: balance %d, required %d", ErrInsufficientFunds, decline.Balance, decline.Required)
}

// Unwrap lets errors.Is match ErrInsufficientFunds.
func (decline *DeclineError) Unwrap() error {
	return ErrInsufficientFunds
}
