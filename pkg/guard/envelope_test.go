package guard

import (
	"context"
	"errors"
	"testing"
)

func TestWithGuardRunsOperationAndCompletesJournal(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-1"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-1"),
		Metadata:       mustMetadata(test, "{}"),
	}

	result := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		return "draft-html", nil
	})
	if !result.Success() {
		test.Fatalf("expected success, got %v", result.Err)
	}
	if result.Data != "draft-html" {
		test.Fatalf("unexpected data: %q", result.Data)
	}
	if result.Outcome.Status != OutcomeCharged {
		test.Fatalf("expected charged outcome, got %s", result.Outcome.Status)
	}
	if store.balance("org-1") != 4 {
		test.Fatalf("expected balance 4, got %d", store.balance("org-1"))
	}
	if store.entries[0].Journal != JournalCompleted {
		test.Fatalf("expected completed journal, got %s", store.entries[0].Journal)
	}
}

func TestWithGuardRefundsOnOperationFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-1"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-fail"),
		Metadata:       mustMetadata(test, "{}"),
	}
	operationFailure := errors.New("renderer crashed")

	result := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		return "", operationFailure
	})
	if result.Success() {
		test.Fatalf("expected failure result")
	}
	if !errors.Is(result.Err, operationFailure) {
		test.Fatalf("expected operation error, got %v", result.Err)
	}
	if !result.Refunded || result.RefundPending {
		test.Fatalf("expected clean refund, got refunded=%v pending=%v", result.Refunded, result.RefundPending)
	}
	if store.balance("org-1") != 10 {
		test.Fatalf("expected wallet restored to 10, got %d", store.balance("org-1"))
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected charge plus refund entries, got %d", len(store.entries))
	}
	refund := store.entries[1]
	if refund.Kind != EntryKindRefund || refund.ParentEntryID != store.entries[0].EntryID {
		test.Fatalf("unexpected refund entry: %+v", refund)
	}
	if refund.IdempotencyKey != "env-fail:refund" {
		test.Fatalf("unexpected refund key: %s", refund.IdempotencyKey)
	}
	if store.entries[0].Journal != JournalRefunded {
		test.Fatalf("expected refunded journal on parent, got %s", store.entries[0].Journal)
	}
}

func TestWithGuardRetryAfterRefundRunsOperationAgain(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-1"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-retry"),
		Metadata:       mustMetadata(test, "{}"),
	}

	first := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		return "", errors.New("renderer crashed")
	})
	if first.Success() || !first.Refunded {
		test.Fatalf("expected refunded failure, got success=%v refunded=%v", first.Success(), first.Refunded)
	}
	if store.balance("org-1") != 10 {
		test.Fatalf("expected wallet restored to 10, got %d", store.balance("org-1"))
	}

	operationRan := false
	second := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		operationRan = true
		return "draft-html", nil
	})
	if !second.Success() {
		test.Fatalf("retry after refund: %v", second.Err)
	}
	if !operationRan {
		test.Fatalf("retry after refund must re-run the operation")
	}
	if second.Outcome.Status != OutcomeCharged {
		test.Fatalf("expected fresh charge on retry, got %s", second.Outcome.Status)
	}
	if store.balance("org-1") != 4 {
		test.Fatalf("expected balance 4 after retry, got %d", store.balance("org-1"))
	}
	if len(store.entries) != 3 {
		test.Fatalf("expected refunded charge, refund, and retry charge, got %d entries", len(store.entries))
	}
	if store.entries[0].Journal != JournalRefunded {
		test.Fatalf("original charge must stay refunded, got %s", store.entries[0].Journal)
	}
	retry := store.entries[2]
	if retry.Kind != EntryKindCharge || retry.IdempotencyKey != "env-retry" || retry.Journal != JournalCompleted {
		test.Fatalf("unexpected retry entry: %+v", retry)
	}
}

func TestWithGuardShortCircuitsReplay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-1"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-replay"),
		Metadata:       mustMetadata(test, "{}"),
	}
	if _, err := service.Charge(context.Background(), options.OrgID, options.Action, options.Cost, options.IdempotencyKey, AuthContext{}, options.Metadata); err != nil {
		test.Fatalf("seed charge: %v", err)
	}

	operationRan := false
	result := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		operationRan = true
		return "", nil
	})
	if !result.Success() {
		test.Fatalf("expected success, got %v", result.Err)
	}
	if operationRan {
		test.Fatalf("replayed charge must not re-run the operation")
	}
	if result.Outcome.Status != OutcomeReplayed {
		test.Fatalf("expected replayed outcome, got %s", result.Outcome.Status)
	}
	if store.balance("org-1") != 4 {
		test.Fatalf("expected single debit, balance %d", store.balance("org-1"))
	}
}

func TestWithGuardDeclineFailsFast(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-broke"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-broke"),
		Metadata:       mustMetadata(test, "{}"),
	}

	operationRan := false
	result := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		operationRan = true
		return "", nil
	})
	if result.Success() {
		test.Fatalf("expected decline")
	}
	if !errors.Is(result.Err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", result.Err)
	}
	if operationRan {
		test.Fatalf("declined charge must not run the operation")
	}
}

func TestWithGuardFlagsStuckRefund(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	options := GuardOptions{
		OrgID:          mustOrgID(test, "org-1"),
		Action:         mustAction(test, "website.draft"),
		Cost:           mustCost(test, 6),
		IdempotencyKey: mustIdemKey(test, "env-stuck"),
		Metadata:       mustMetadata(test, "{}"),
	}
	operationFailure := errors.New("renderer crashed")
	creditFailure := errors.New("wallet unavailable")
	store.creditErr = creditFailure

	result := WithGuard(context.Background(), service, options, func(ctx context.Context) (string, error) {
		return "", operationFailure
	})
	if result.Success() {
		test.Fatalf("expected failure result")
	}
	if !result.RefundPending || result.Refunded {
		test.Fatalf("expected stuck refund, got refunded=%v pending=%v", result.Refunded, result.RefundPending)
	}
	if !errors.Is(result.Err, operationFailure) || !errors.Is(result.Err, creditFailure) {
		test.Fatalf("expected joined errors, got %v", result.Err)
	}
}

func TestRefundIsIdempotentPerParent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))
	orgID := mustOrgID(test, "org-1")
	idemKey := mustIdemKey(test, "refund-once")

	outcome, err := service.Charge(context.Background(), orgID, mustAction(test, "website.draft"), mustCost(test, 6), idemKey, AuthContext{}, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if err := service.Refund(context.Background(), orgID, outcome.EntryID, idemKey, "operation failed"); err != nil {
		test.Fatalf("refund: %v", err)
	}
	if err := service.Refund(context.Background(), orgID, outcome.EntryID, idemKey, "operation failed"); err != nil {
		test.Fatalf("repeat refund: %v", err)
	}
	if store.balance("org-1") != 10 {
		test.Fatalf("expected one refund credit, balance %d", store.balance("org-1"))
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected charge plus one refund, got %d entries", len(store.entries))
	}
}

func TestRefundRejectsUnknownOrForeignParent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance("org-1", 10)
	service := mustNewGuard(test, store, NewPolicyConfig("none", "", "", false))

	err := service.Refund(context.Background(), mustOrgID(test, "org-1"), "entry-missing", mustIdemKey(test, "refund-x"), "nope")
	if !errors.Is(err, ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry, got %v", err)
	}

	outcome, err := service.Charge(context.Background(), mustOrgID(test, "org-1"), mustAction(test, "website.draft"), mustCost(test, 6), mustIdemKey(test, "refund-y"), AuthContext{}, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	err = service.Refund(context.Background(), mustOrgID(test, "org-other"), outcome.EntryID, mustIdemKey(test, "refund-y"), "nope")
	if !errors.Is(err, ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry for foreign org, got %v", err)
	}
}
