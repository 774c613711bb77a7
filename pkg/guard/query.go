package guard

import "context"

// Balance returns the read-only balance projection for one tenant. The
// wallet is upserted lazily so brand-new orgs see zeros, not an error.
func (service *Guard) Balance(ctx context.Context, orgID OrgID) (BalanceSummary, error) {
	wallet, err := service.store.UpsertWallet(ctx, orgID.String())
	if err != nil {
		return BalanceSummary{}, err
	}
	stats, err := service.store.WalletStats(ctx, orgID.String())
	if err != nil {
		return BalanceSummary{}, err
	}
	return BalanceSummary{
		CreditsRemaining: wallet.CreditsAvailable,
		CreditsSpent:     stats.CreditsSpent,
		Plan:             wallet.Plan,
		TotalOperations:  stats.TotalOperations,
		WaivedCount:      stats.WaivedCount,
		InternalCount:    stats.InternalCount,
		LastOperation:    stats.LastOperation,
	}, nil
}

// ListLedger lists ledger entries newest first. The page size is clamped to
// MaxLedgerPageSize regardless of what the caller asks for.
func (service *Guard) ListLedger(ctx context.Context, orgID OrgID, filter LedgerFilter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLedgerPageSize
	}
	if filter.Limit > MaxLedgerPageSize {
		filter.Limit = MaxLedgerPageSize
	}
	return service.store.ListEntries(ctx, orgID.String(), filter)
}
