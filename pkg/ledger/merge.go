package ledger

import (
	"context"

	"go.uber.org/zap"
)

// MergeResult describes an exact-duplicate merge for the audit trail.
type MergeResult struct {
	AccountKey string   `json:"account_key"`
	KeptID     string   `json:"kept_id"`
	RemovedIDs []string `json:"removed_ids"`
	Balance    float64  `json:"balance"`
}

// MergeAccountRecords collapses multiple stored records for one accountKey
// (a storage bug, not a cheat) into the record holding the most assets.
// Balances and cumulative totals are summed uncapped: the duplicates were
// all legitimately earned by the same identity, so capping the merge would
// destroy earnings state. Returns nil when there is nothing to merge.
func (l *Ledger) MergeAccountRecords(ctx context.Context, accountKey string) (*MergeResult, error) {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	var dupes []*Record
	l.records.Range(func(_ string, rec *Record) bool {
		if rec.AccountKey == accountKey {
			dupes = append(dupes, rec)
		}
		return true
	})
	if len(dupes) < 2 {
		return nil, nil
	}

	keep := dupes[0]
	for _, rec := range dupes[1:] {
		if len(rec.Assets) > len(keep.Assets) ||
			(len(rec.Assets) == len(keep.Assets) && rec.UpdatedAt.After(keep.UpdatedAt)) {
			keep = rec
		}
	}

	next := keep.Clone()
	removed := make([]string, 0, len(dupes)-1)
	for _, rec := range dupes {
		if rec.ID == keep.ID {
			continue
		}
		next.Balance += rec.Balance
		next.CumulativeEarned += rec.CumulativeEarned
		next.CumulativeSpent += rec.CumulativeSpent
		next.Verified = next.Verified || rec.Verified
		if rec.LastCheckpointTime.After(next.LastCheckpointTime) {
			next.LastCheckpointTime = rec.LastCheckpointTime
		}
		removed = append(removed, rec.ID)
	}
	next.RatePerHour = AssetRateSum(next.Assets)
	next.UpdatedAt = l.clock.Now()
	next.Version++

	if !CheckInvariant(next) {
		return nil, &InvariantViolationError{AccountKey: accountKey, Op: "mergeDuplicates", Before: keep, After: next}
	}
	if err := l.persist.SaveRecord(ctx, next); err != nil {
		return nil, err
	}
	for _, id := range removed {
		if err := l.persist.DeleteRecord(ctx, id); err != nil {
			return nil, err
		}
		l.records.Delete(id)
	}
	l.records.Store(next.ID, next)
	l.index.Store(accountKey, next.ID)

	l.logger.Warn("Merged duplicate ledger records",
		zap.String("account", accountKey),
		zap.String("kept", next.ID),
		zap.Strings("removed", removed))
	return &MergeResult{AccountKey: accountKey, KeptID: next.ID, RemovedIDs: removed, Balance: next.Balance}, nil
}
