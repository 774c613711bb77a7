package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OrgID identifies a tenant wallet owner.
type OrgID struct {
	value string
}

// Action is a namespaced billable action name, e.g. "website.draft".
type Action struct {
	value string
}

// Cost is a non-negative integer amount of credits.
type Cost int64

// IdempotencyKey correlates retried requests so a charge lands at most once.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request correlation metadata.
type MetadataJSON struct {
	value string
}

// NewOrgID validates and normalizes a tenant identifier.
func NewOrgID(raw string) (OrgID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrgID{}, fmt.Errorf("%w: empty value", ErrInvalidOrgID)
	}
	return OrgID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrgID) String() string {
	return id.value
}

// NewAction validates an action name. Hyphenated route names are normalized
// to the dotted ledger form ("website-draft" becomes "website.draft").
func NewAction(raw string) (Action, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Action{}, fmt.Errorf("%w: empty value", ErrInvalidAction)
	}
	return Action{value: strings.ReplaceAll(trimmed, "-", ".")}, nil
}

// String returns the normalized dotted name.
func (action Action) String() string {
	return action.value
}

// NewCost validates a charge amount and ensures it is not negative.
func NewCost(raw int64) (Cost, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCost)
	}
	return Cost(raw), nil
}

// Int64 returns the raw credit amount.
func (cost Cost) Int64() int64 {
	return int64(cost)
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EntryStatus records the billing decision outcome on a ledger row.
type EntryStatus string

const (
	EntryStatusOK          EntryStatus = "ok"
	EntryStatusServerError EntryStatus = "server_error"
)

// EntryKind distinguishes wallet-debiting charges from compensating rows.
type EntryKind string

const (
	EntryKindCharge EntryKind = "charge"
	EntryKindRefund EntryKind = "refund"
	EntryKindGrant  EntryKind = "grant"
)

// JournalStatus tracks the envelope lifecycle of a charge. A refunded charge
// stops being authoritative for its idempotency key, so a retry charges anew.
type JournalStatus string

const (
	JournalPending   JournalStatus = "pending"
	JournalCompleted JournalStatus = "completed"
	JournalRefunded  JournalStatus = "refunded"
)

// Entry is a single immutable line in the billing ledger. Only the Journal
// field ever changes after creation (pending to completed or refunded).
type Entry struct {
	EntryID        string
	OrgID          string
	Action         string
	Kind           EntryKind
	Cost           int64
	IdempotencyKey string
	Status         EntryStatus
	Journal        JournalStatus
	Waived         bool
	InternalBypass bool
	ParentEntryID  string
	Reason         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Wallet is the per-tenant mutable balance of available credits.
type Wallet struct {
	OrgID            string
	CreditsAvailable int64
	Plan             string
}

// WalletStats aggregates the auditable ledger counters for one tenant.
type WalletStats struct {
	CreditsSpent    int64
	TotalOperations int64
	WaivedCount     int64
	InternalCount   int64
	LastOperation   string
	LastOperationAt int64
}

// BalanceSummary is the read-only balance projection served to UIs.
type BalanceSummary struct {
	CreditsRemaining int64  `json:"credits_remaining"`
	CreditsSpent     int64  `json:"credits_spent"`
	Plan             string `json:"plan"`
	TotalOperations  int64  `json:"total_operations"`
	WaivedCount      int64  `json:"waived_count"`
	InternalCount    int64  `json:"internal_count"`
	LastOperation    string `json:"last_operation,omitempty"`
}

// Offer is a purchasable top-up option attached to a decline.
type Offer struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Amount     int64  `json:"amount"`
	PriceCents int64  `json:"price"`
}

// OutcomeStatus enumerates how a charge concluded.
type OutcomeStatus string

const (
	OutcomeCharged  OutcomeStatus = "charged"
	OutcomeReplayed OutcomeStatus = "replayed"
	OutcomeWaived   OutcomeStatus = "waived"
	OutcomeBypassed OutcomeStatus = "bypassed"
)

// Outcome is the successful result of a charge.
type Outcome struct {
	Status  OutcomeStatus
	EntryID string
	Cost    int64
	Balance int64
}

// Replayed reports whether the outcome short-circuited on a prior attempt.
func (outcome Outcome) Replayed() bool {
	return outcome.Status == OutcomeReplayed
}

// LedgerFilter narrows a ledger listing. Zero values mean "no filter".
type LedgerFilter struct {
	Action        string
	Status        EntryStatus
	FromUnixUTC   int64
	BeforeUnixUTC int64
	Limit         int
}

// Store is the persistence contract used by the guard. Implementations must
// make WithTx all-or-nothing and serialize WalletForUpdate per org.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Now(ctx context.Context) (int64, error)
	UpsertWallet(ctx context.Context, orgID string) (Wallet, error)
	WalletForUpdate(ctx context.Context, orgID string) (Wallet, error)
	DebitWallet(ctx context.Context, orgID string, amount int64) error
	CreditWallet(ctx context.Context, orgID string, amount int64) error
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	EntryByID(ctx context.Context, entryID string) (Entry, bool, error)
	LatestEntryByKey(ctx context.Context, orgID string, idemKey string) (Entry, bool, error)
	ChargedEntryByKey(ctx context.Context, orgID string, idemKey string) (Entry, bool, error)
	MarkEntryCompleted(ctx context.Context, entryID string) error
	MarkEntryRefunded(ctx context.Context, entryID string) error
	RefundForParent(ctx context.Context, parentEntryID string) (Entry, bool, error)
	WalletStats(ctx context.Context, orgID string) (WalletStats, error)
	ListEntries(ctx context.Context, orgID string, filter LedgerFilter) ([]Entry, error)
}

// ResultCache stores full request outcomes for idempotent replay at the
// transport layer, keyed on operation key plus request-body hash.
type ResultCache interface {
	Lookup(ctx context.Context, key string, bodyHash string) (json.RawMessage, bool, error)
	Store(ctx context.Context, key string, bodyHash string, result json.RawMessage, ttl time.Duration) error
}
