package guard

import "context"

// ServiceOption configures a Guard instance.
type ServiceOption func(*Guard)

// OperationLogger records domain-level events emitted by guard operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation      string
	OrgID          OrgID
	Action         Action
	Cost           Cost
	IdempotencyKey IdempotencyKey
	EntryID        string
	Outcome        OutcomeStatus
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every
// operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Guard) {
		service.logger = logger
	}
}
