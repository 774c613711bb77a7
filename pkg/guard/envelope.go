package guard

import (
	"context"
	"errors"
)

// GuardOptions identifies one billable unit of work.
type GuardOptions struct {
	OrgID          OrgID
	Action         Action
	Cost           Cost
	IdempotencyKey IdempotencyKey
	Auth           AuthContext
	Metadata       MetadataJSON
}

// GuardResult carries the wrapped operation's result plus the billing
// disposition. When Err is set and RefundPending is true, the charge stuck:
// the debit committed but the compensating refund did not land, and the
// caller must flag it for reconciliation instead of dropping it.
type GuardResult[T any] struct {
	Data          T
	Outcome       Outcome
	Refunded      bool
	RefundPending bool
	Err           error
}

// Success reports whether the wrapped operation's result is usable.
func (result GuardResult[T]) Success() bool {
	return result.Err == nil
}

// WithGuard wraps a unit of work in charge, execute, commit-or-refund. A
// decline fails fast without running the operation; a replayed charge
// short-circuits to success without re-running it; an operation failure
// after a real debit triggers the refund engine.
func WithGuard[T any](ctx context.Context, service *Guard, options GuardOptions, operation func(ctx context.Context) (T, error)) GuardResult[T] {
	var result GuardResult[T]

	outcome, err := service.Charge(ctx, options.OrgID, options.Action, options.Cost, options.IdempotencyKey, options.Auth, options.Metadata)
	if err != nil {
		result.Err = err
		return result
	}
	result.Outcome = outcome
	if outcome.Replayed() {
		// First committer wins: an earlier attempt already produced the
		// authoritative entry, so this call reports it and runs nothing.
		return result
	}

	data, operationError := operation(ctx)
	if operationError == nil {
		result.Data = data
		if markErr := service.MarkCompleted(ctx, outcome.EntryID); markErr != nil {
			// The operation succeeded and the debit is final; a failed
			// journal transition is retryable and must not fail the call.
			service.logOperation(ctx, OperationLog{
				Operation: operationCharge,
				OrgID:     options.OrgID,
				Action:    options.Action,
				EntryID:   outcome.EntryID,
				Status:    operationStatusError,
				Error:     markErr,
			})
		}
		return result
	}

	result.Err = operationError
	if outcome.Status == OutcomeCharged && outcome.Cost > 0 {
		refundErr := service.Refund(ctx, options.OrgID, outcome.EntryID, options.IdempotencyKey, operationError.Error())
		if refundErr != nil {
			result.RefundPending = true
			result.Err = errors.Join(operationError, WrapError(operationRefund, "wallet", "credit", refundErr))
			return result
		}
		result.Refunded = true
	}
	return result
}
