package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/craudiovizai/creditguard/pkg/guard"
)

const (
	constraintChargedKey      = "uniq_ledger_org_charged_key"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteUniqueViolationCode = 2067
	sqlitePrimaryKeyConflict  = 1555
	errorOperationStore       = "store"
	errorSubjectWallet        = "wallet"
	errorSubjectEntry         = "entry"
	errorSubjectResult        = "result"
	errorSubjectClock         = "clock"
	errorCodeUpsert           = "upsert"
	errorCodeLock             = "lock"
	errorCodeDebit            = "debit"
	errorCodeCredit           = "credit"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeNow              = "now"
	errorCodeStats            = "stats"
	errorCodeStore            = "store"
	errorCodeUpdate           = "update"

	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// Store implements guard.Store and guard.ResultCache using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the billing tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &LedgerEntry{}, &IdempotencyResult{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore guard.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Now returns the database clock as unix seconds UTC. Waiver windows are
// measured against this, never against a caller-supplied timestamp.
func (store *Store) Now(ctx context.Context) (int64, error) {
	var now int64
	var err error
	switch store.db.Dialector.Name() {
	case dialectPostgres:
		err = store.db.WithContext(ctx).Raw("select extract(epoch from now())::bigint").Scan(&now).Error
	case dialectSQLite:
		err = store.db.WithContext(ctx).Raw("select cast(strftime('%s','now') as integer)").Scan(&now).Error
	default:
		now = time.Now().UTC().Unix()
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectClock, errorCodeNow, err)
	}
	return now, nil
}

// UpsertWallet lazily creates the org wallet and returns its current state.
func (store *Store) UpsertWallet(ctx context.Context, orgID string) (guard.Wallet, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "org_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"org_id": clause.Expr{SQL: "excluded.org_id"},
			}),
		}).
		FirstOrCreate(&wallet, Wallet{OrgID: orgID}).Error
	if err != nil {
		return guard.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeUpsert, err)
	}
	return mapWallet(wallet), nil
}

// WalletForUpdate reads the wallet row under a row-level lock, serializing
// concurrent charges against the same org.
func (store *Store) WalletForUpdate(ctx context.Context, orgID string) (guard.Wallet, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ?", orgID).
		Take(&wallet).Error
	if err != nil {
		return guard.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallet(wallet), nil
}

// DebitWallet decrements the balance in one conditional statement. The
// balance guard in the WHERE clause is what makes overdraw impossible even
// if two transactions raced past the read.
func (store *Store) DebitWallet(ctx context.Context, orgID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("org_id = ? and credits_available >= ?", orgID, amount).
		UpdateColumn("credits_available", gorm.Expr("credits_available - ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDebit, guard.ErrInsufficientFunds)
	}
	return nil
}

// CreditWallet increments the balance.
func (store *Store) CreditWallet(ctx context.Context, orgID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("org_id = ?", orgID).
		UpdateColumn("credits_available", gorm.Expr("credits_available + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeCredit, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertEntry appends a ledger row. A violation of the charged-key partial
// unique index surfaces as guard.ErrDuplicateCharge so the guard can fall
// back to the winning attempt.
func (store *Store) InsertEntry(ctx context.Context, entry guard.Entry) (guard.Entry, error) {
	var parentEntryID *string
	if entry.ParentEntryID != "" {
		value := entry.ParentEntryID
		parentEntryID = &value
	}
	model := LedgerEntry{
		EntryID:        entry.EntryID,
		OrgID:          entry.OrgID,
		Action:         entry.Action,
		Kind:           string(entry.Kind),
		Cost:           entry.Cost,
		IdempotencyKey: entry.IdempotencyKey,
		Status:         string(entry.Status),
		Journal:        string(entry.Journal),
		Waived:         entry.Waived,
		InternalBypass: entry.InternalBypass,
		ParentEntryID:  parentEntryID,
		Reason:         entry.Reason,
		Metadata:       datatypesJSON(entry.MetadataJSON),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isChargedKeyConflict(err) {
		return guard.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, guard.ErrDuplicateCharge)
	}
	if err != nil {
		return guard.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(model), nil
}

// EntryByID fetches one ledger entry.
func (store *Store) EntryByID(ctx context.Context, entryID string) (guard.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guard.Entry{}, false, nil
	}
	if err != nil {
		return guard.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(model), true, nil
}

// LatestEntryByKey fetches the most recent entry for (org, key).
func (store *Store) LatestEntryByKey(ctx context.Context, orgID string, idemKey string) (guard.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("org_id = ? and idempotency_key = ?", orgID, idemKey).
		Order("created_at desc").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guard.Entry{}, false, nil
	}
	if err != nil {
		return guard.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model), true, nil
}

// ChargedEntryByKey fetches the authoritative ok, cost>0 charge for
// (org, key); at most one exists under the partial unique index. Refunded
// charges are no longer authoritative, their key is free to charge again.
func (store *Store) ChargedEntryByKey(ctx context.Context, orgID string, idemKey string) (guard.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("org_id = ? and idempotency_key = ? and kind = ? and status = ? and cost > 0 and journal <> ?",
			orgID, idemKey, string(guard.EntryKindCharge), string(guard.EntryStatusOK), string(guard.JournalRefunded)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guard.Entry{}, false, nil
	}
	if err != nil {
		return guard.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model), true, nil
}

// MarkEntryCompleted transitions journal pending to completed. Repeats are
// no-ops; an unknown entry id is an error.
func (store *Store) MarkEntryCompleted(ctx context.Context, entryID string) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? and journal = ?", entryID, string(guard.JournalPending)).
		Update("journal", string(guard.JournalCompleted))
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		_, found, err := store.EntryByID(ctx, entryID)
		if err != nil {
			return err
		}
		if !found {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdate, guard.ErrUnknownEntry)
		}
	}
	return nil
}

// MarkEntryRefunded transitions a charge's journal to refunded, releasing
// its idempotency key from the partial unique index.
func (store *Store) MarkEntryRefunded(ctx context.Context, entryID string) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ?", entryID).
		Update("journal", string(guard.JournalRefunded))
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, guard.ErrUnknownEntry)
	}
	return nil
}

// RefundForParent fetches the refund entry referencing parentEntryID.
func (store *Store) RefundForParent(ctx context.Context, parentEntryID string) (guard.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("parent_entry_id = ? and kind = ?", parentEntryID, string(guard.EntryKindRefund)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guard.Entry{}, false, nil
	}
	if err != nil {
		return guard.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model), true, nil
}

type statsRow struct {
	Spent         int64
	Refunded      int64
	TotalOps      int64
	WaivedCount   int64
	InternalCount int64
}

// WalletStats aggregates the auditable counters for one org.
func (store *Store) WalletStats(ctx context.Context, orgID string) (guard.WalletStats, error) {
	var row statsRow
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select(`
			coalesce(sum(case when kind = 'charge' and status = 'ok' then cost else 0 end),0) as spent,
			coalesce(sum(case when kind = 'refund' then cost else 0 end),0) as refunded,
			coalesce(sum(case when kind = 'charge' and status = 'ok' then 1 else 0 end),0) as total_ops,
			coalesce(sum(case when waived then 1 else 0 end),0) as waived_count,
			coalesce(sum(case when internal_bypass then 1 else 0 end),0) as internal_count`).
		Where("org_id = ?", orgID).
		Scan(&row).Error
	if err != nil {
		return guard.WalletStats{}, wrapStoreError(errorSubjectEntry, errorCodeStats, err)
	}
	stats := guard.WalletStats{
		CreditsSpent:    row.Spent - row.Refunded,
		TotalOperations: row.TotalOps,
		WaivedCount:     row.WaivedCount,
		InternalCount:   row.InternalCount,
	}
	var last LedgerEntry
	err = store.db.WithContext(ctx).
		Where("org_id = ? and kind = ? and status = ?", orgID, string(guard.EntryKindCharge), string(guard.EntryStatusOK)).
		Order("created_at desc").
		Take(&last).Error
	if err == nil {
		stats.LastOperation = last.Action
		stats.LastOperationAt = last.CreatedAt.Unix()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return guard.WalletStats{}, wrapStoreError(errorSubjectEntry, errorCodeStats, err)
	}
	return stats, nil
}

// ListEntries lists ledger rows newest first under the supplied filter.
func (store *Store) ListEntries(ctx context.Context, orgID string, filter guard.LedgerFilter) ([]guard.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at desc").
		Limit(filter.Limit)
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.BeforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]guard.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

// Lookup returns a cached request result unless it has expired; expired rows
// are purged and reported as a miss.
func (store *Store) Lookup(ctx context.Context, key string, bodyHash string) (json.RawMessage, bool, error) {
	compositeKey := guard.ResultCacheKey(key, bodyHash)
	var model IdempotencyResult
	err := store.db.WithContext(ctx).
		Where("key = ?", compositeKey).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreError(errorSubjectResult, errorCodeLookup, err)
	}
	if !model.ExpiresAt.After(time.Now().UTC()) {
		if err := store.db.WithContext(ctx).Delete(&IdempotencyResult{}, "key = ?", compositeKey).Error; err != nil {
			return nil, false, wrapStoreError(errorSubjectResult, errorCodeLookup, err)
		}
		return nil, false, nil
	}
	return json.RawMessage(model.Result), true, nil
}

// Store caches a request result under (key, bodyHash) for ttl.
func (store *Store) Store(ctx context.Context, key string, bodyHash string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = guard.DefaultResultTTL
	}
	now := time.Now().UTC()
	model := IdempotencyResult{
		Key:       guard.ResultCacheKey(key, bodyHash),
		Result:    datatypes.JSON(result),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"result", "expires_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectResult, errorCodeStore, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return guard.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) guard.Wallet {
	return guard.Wallet{
		OrgID:            model.OrgID,
		CreditsAvailable: model.CreditsAvailable,
		Plan:             model.Plan,
	}
}

func mapLedgerEntry(model LedgerEntry) guard.Entry {
	parentEntryID := ""
	if model.ParentEntryID != nil {
		parentEntryID = *model.ParentEntryID
	}
	return guard.Entry{
		EntryID:        model.EntryID,
		OrgID:          model.OrgID,
		Action:         model.Action,
		Kind:           guard.EntryKind(model.Kind),
		Cost:           model.Cost,
		IdempotencyKey: model.IdempotencyKey,
		Status:         guard.EntryStatus(model.Status),
		Journal:        guard.JournalStatus(model.Journal),
		Waived:         model.Waived,
		InternalBypass: model.InternalBypass,
		ParentEntryID:  parentEntryID,
		Reason:         model.Reason,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isChargedKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintChargedKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// Only unique violations count; NOT NULL and CHECK failures share
		// the primary constraint code and must not masquerade as a race.
		return sqliteErr.Code() == sqliteUniqueViolationCode || sqliteErr.Code() == sqlitePrimaryKeyConflict
	}
	return false
}
