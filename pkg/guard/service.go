package guard

import (
	"context"
	"errors"
	"fmt"
)

// Guard gates billable operations behind per-tenant credit balances. It
// contains the domain logic over a Store; all durable state lives there.
type Guard struct {
	store  Store
	policy PolicyConfig
	logger OperationLogger
}

// NewGuard wires a Guard.
func NewGuard(store Store, policy PolicyConfig, options ...ServiceOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Guard{store: store, policy: policy.normalized()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Offers returns the decline top-up catalogue.
func (service *Guard) Offers() []Offer {
	return service.policy.Offers
}

// Charge debits cost credits from the org wallet exactly once per
// idempotency key. Short-circuit order: bypass, idempotent replay, waiver
// after a recent server error, then the atomic balance check and debit.
// Insufficient balance returns a *DeclineError and writes nothing.
func (service *Guard) Charge(ctx context.Context, orgID OrgID, action Action, cost Cost, idemKey IdempotencyKey, auth AuthContext, metadata MetadataJSON) (Outcome, error) {
	var outcome Outcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if service.policy.allowsBypass(orgID, auth) {
			entry, err := transactionStore.InsertEntry(ctx, Entry{
				OrgID:          orgID.String(),
				Action:         action.String(),
				Kind:           EntryKindCharge,
				Cost:           0,
				IdempotencyKey: idemKey.String(),
				Status:         EntryStatusOK,
				Journal:        JournalCompleted,
				InternalBypass: true,
				MetadataJSON:   metadata.String(),
			})
			if err != nil {
				return err
			}
			outcome = Outcome{Status: OutcomeBypassed, EntryID: entry.EntryID}
			return nil
		}

		charged, found, err := transactionStore.ChargedEntryByKey(ctx, orgID.String(), idemKey.String())
		if err != nil {
			return err
		}
		if found {
			return service.replay(ctx, transactionStore, charged, &outcome)
		}

		latest, found, err := transactionStore.LatestEntryByKey(ctx, orgID.String(), idemKey.String())
		if err != nil {
			return err
		}
		if found {
			if latest.Status == EntryStatusOK && latest.Kind == EntryKindCharge && latest.Journal != JournalRefunded {
				return service.replay(ctx, transactionStore, latest, &outcome)
			}
			if latest.Status == EntryStatusServerError {
				// Waiver eligibility is judged by the store's clock so a
				// client cannot stretch the window with its own timestamps.
				nowUnixUTC, err := transactionStore.Now(ctx)
				if err != nil {
					return err
				}
				if nowUnixUTC-latest.CreatedUnixUTC <= int64(service.policy.WaiverWindow.Seconds()) {
					entry, err := transactionStore.InsertEntry(ctx, Entry{
						OrgID:          orgID.String(),
						Action:         action.String(),
						Kind:           EntryKindCharge,
						Cost:           0,
						IdempotencyKey: idemKey.String(),
						Status:         EntryStatusOK,
						Journal:        JournalCompleted,
						Waived:         true,
						Reason:         "retry_after_server_error",
						MetadataJSON:   metadata.String(),
					})
					if err != nil {
						return err
					}
					outcome = Outcome{Status: OutcomeWaived, EntryID: entry.EntryID}
					return nil
				}
			}
		}

		if _, err := transactionStore.UpsertWallet(ctx, orgID.String()); err != nil {
			return err
		}
		wallet, err := transactionStore.WalletForUpdate(ctx, orgID.String())
		if err != nil {
			return err
		}
		if wallet.CreditsAvailable < cost.Int64() {
			return &DeclineError{
				Balance:  wallet.CreditsAvailable,
				Required: cost.Int64(),
				Offers:   service.policy.Offers,
			}
		}
		if cost.Int64() > 0 {
			if err := transactionStore.DebitWallet(ctx, orgID.String(), cost.Int64()); err != nil {
				if errors.Is(err, ErrInsufficientFunds) {
					return &DeclineError{
						Balance:  wallet.CreditsAvailable,
						Required: cost.Int64(),
						Offers:   service.policy.Offers,
					}
				}
				return err
			}
		}
		entry, err := transactionStore.InsertEntry(ctx, Entry{
			OrgID:          orgID.String(),
			Action:         action.String(),
			Kind:           EntryKindCharge,
			Cost:           cost.Int64(),
			IdempotencyKey: idemKey.String(),
			Status:         EntryStatusOK,
			Journal:        JournalPending,
			MetadataJSON:   metadata.String(),
		})
		if err != nil {
			return err
		}
		outcome = Outcome{
			Status:  OutcomeCharged,
			EntryID: entry.EntryID,
			Cost:    cost.Int64(),
			Balance: wallet.CreditsAvailable - cost.Int64(),
		}
		return nil
	})
	if operationError != nil && errors.Is(operationError, ErrDuplicateCharge) {
		// A concurrent first attempt committed first; our transaction rolled
		// back whole, so the winner's entry is authoritative.
		winner, found, winnerErr := service.store.ChargedEntryByKey(ctx, orgID.String(), idemKey.String())
		if winnerErr == nil && found {
			wallet, walletErr := service.store.UpsertWallet(ctx, orgID.String())
			if walletErr == nil {
				outcome = Outcome{Status: OutcomeReplayed, EntryID: winner.EntryID, Cost: winner.Cost, Balance: wallet.CreditsAvailable}
				operationError = nil
			}
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCharge,
		OrgID:          orgID,
		Action:         action,
		Cost:           cost,
		IdempotencyKey: idemKey,
		EntryID:        outcome.EntryID,
		Outcome:        outcome.Status,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Guard) replay(ctx context.Context, transactionStore Store, prior Entry, outcome *Outcome) error {
	wallet, err := transactionStore.UpsertWallet(ctx, prior.OrgID)
	if err != nil {
		return err
	}
	*outcome = Outcome{
		Status:  OutcomeReplayed,
		EntryID: prior.EntryID,
		Cost:    prior.Cost,
		Balance: wallet.CreditsAvailable,
	}
	return nil
}

// Grant credits the org wallet, appending a grant ledger entry. A repeated
// idempotency key is a silent no-op so payment webhooks can retry freely.
func (service *Guard) Grant(ctx context.Context, orgID OrgID, amount Cost, idemKey IdempotencyKey, metadata MetadataJSON) error {
	if amount.Int64() <= 0 {
		return fmt.Errorf("%w: grant amount must be positive", ErrInvalidCost)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, found, err := transactionStore.LatestEntryByKey(ctx, orgID.String(), idemKey.String())
		if err != nil {
			return err
		}
		if found && prior.Kind == EntryKindGrant && prior.Status == EntryStatusOK {
			return nil
		}
		if _, err := transactionStore.UpsertWallet(ctx, orgID.String()); err != nil {
			return err
		}
		if err := transactionStore.CreditWallet(ctx, orgID.String(), amount.Int64()); err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, Entry{
			OrgID:          orgID.String(),
			Action:         "credits.topup",
			Kind:           EntryKindGrant,
			Cost:           amount.Int64(),
			IdempotencyKey: idemKey.String(),
			Status:         EntryStatusOK,
			Journal:        JournalCompleted,
			MetadataJSON:   metadata.String(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		OrgID:          orgID,
		Cost:           amount,
		IdempotencyKey: idemKey,
		Error:          operationError,
	})
	return operationError
}

// RecordServerError appends a cost-0 server_error marker so the next retry
// with the same key inside the waiver window succeeds free of charge.
func (service *Guard) RecordServerError(ctx context.Context, orgID OrgID, action Action, idemKey IdempotencyKey, reason string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, err := transactionStore.InsertEntry(ctx, Entry{
			OrgID:          orgID.String(),
			Action:         action.String(),
			Kind:           EntryKindCharge,
			Cost:           0,
			IdempotencyKey: idemKey.String(),
			Status:         EntryStatusServerError,
			Journal:        JournalCompleted,
			Reason:         reason,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationServerError,
		OrgID:          orgID,
		Action:         action,
		IdempotencyKey: idemKey,
		Error:          operationError,
	})
	return operationError
}

// MarkCompleted transitions a charge's journal from pending to completed.
// Safe to repeat; a row already completed stays completed.
func (service *Guard) MarkCompleted(ctx context.Context, entryID string) error {
	return service.store.MarkEntryCompleted(ctx, entryID)
}

func (service *Guard) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
