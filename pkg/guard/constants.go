package guard

import "time"

const (
	operationCharge      = "charge"
	operationGrant       = "grant"
	operationRefund      = "refund"
	operationServerError = "server_error"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixRefund = "refund"

	// DefaultWaiverWindow bounds how long after a server_error a retry
	// with the same key stays free.
	DefaultWaiverWindow = 10 * time.Minute

	// DefaultResultTTL bounds transport-level result replay.
	DefaultResultTTL = 24 * time.Hour

	// MaxLedgerPageSize caps ledger listings.
	MaxLedgerPageSize = 200

	defaultLedgerPageSize = 50
)
