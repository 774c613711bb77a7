package guard

import (
	"context"
	"fmt"
)

// Refund credits the wallet back by the parent charge's cost, appends a
// compensating ledger entry referencing it, and moves the parent's journal
// to refunded so a retry with the same idempotency key charges anew. At most
// one refund exists per parent; repeated calls after the first are a no-op.
func (service *Guard) Refund(ctx context.Context, orgID OrgID, parentEntryID string, idemKey IdempotencyKey, reason string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, alreadyRefunded, err := transactionStore.RefundForParent(ctx, parentEntryID)
		if err != nil {
			return err
		}
		if alreadyRefunded {
			return nil
		}
		parent, found, err := transactionStore.EntryByID(ctx, parentEntryID)
		if err != nil {
			return err
		}
		if !found {
			return WrapError(operationRefund, "entry", "lookup", ErrUnknownEntry)
		}
		if parent.OrgID != orgID.String() {
			return fmt.Errorf("%w: parent entry belongs to another org", ErrUnknownEntry)
		}
		if parent.Cost > 0 {
			if err := transactionStore.CreditWallet(ctx, parent.OrgID, parent.Cost); err != nil {
				return err
			}
		}
		refundKey, err := deriveIdempotencyKey(idemKey, idempotencySuffixRefund)
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, Entry{
			OrgID:          parent.OrgID,
			Action:         parent.Action,
			Kind:           EntryKindRefund,
			Cost:           parent.Cost,
			IdempotencyKey: refundKey.String(),
			Status:         EntryStatusOK,
			Journal:        JournalCompleted,
			ParentEntryID:  parent.EntryID,
			Reason:         reason,
			MetadataJSON:   parent.MetadataJSON,
		})
		if err != nil {
			return err
		}
		return transactionStore.MarkEntryRefunded(ctx, parent.EntryID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		OrgID:          orgID,
		IdempotencyKey: idemKey,
		EntryID:        parentEntryID,
		Error:          operationError,
	})
	return operationError
}
