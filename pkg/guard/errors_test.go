package guard

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatsSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("charge", "wallet", "debit", ErrInsufficientFunds)
	expected := "charge.wallet.debit: credits_insufficient"
	if wrapped.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrapped.Error())
	}
	if !errors.Is(wrapped, ErrInsufficientFunds) {
		test.Fatalf("expected wrapped sentinel to match")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "charge" || operationError.Subject() != "wallet" || operationError.Code() != "debit" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
}

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if WrapError("charge", "wallet", "debit", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
}

func TestDeclineErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	var err error = &DeclineError{Balance: 3, Required: 6, Offers: DefaultOffers()}
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("decline must match ErrInsufficientFunds")
	}
	var decline *DeclineError
	if !errors.As(err, &decline) {
		test.Fatalf("expected *DeclineError")
	}
	if decline.Error() != "credits_insufficient: balance 3, required 6" {
		test.Fatalf("unexpected message: %s", decline.Error())
	}
}
