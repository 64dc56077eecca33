package activity

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/app/reconciler/types"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/reconcile"
)

// RefreshLedger reloads the in-memory ledger from storage. Runs at the top
// of every reconcile workflow so the scan sees records written by the API
// process since the last run.
func (ac *Context) RefreshLedger(ctx context.Context) error {
	records, err := ac.DB.LoadRecords(ctx)
	if err != nil {
		return err
	}
	ac.Ledger.ReplaceAll(records)
	activity.GetLogger(ctx).Debug("ledger refreshed", "records", len(records))
	return nil
}

// ScanAnomalies runs one anomaly scan over the loaded ledger.
func (ac *Context) ScanAnomalies(ctx context.Context) (types.ScanOutput, error) {
	start := time.Now()
	report, err := ac.Engine.Scan(ctx)
	if err != nil {
		return types.ScanOutput{}, err
	}
	return types.ScanOutput{
		Report:     report,
		DurationMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

// MergeDuplicates collapses duplicate stored records for one account.
func (ac *Context) MergeDuplicates(ctx context.Context, in types.MergeDuplicatesInput) (types.MergeDuplicatesOutput, error) {
	res, err := ac.Engine.MergeDuplicates(ctx, in.AccountKey)
	if err != nil {
		return types.MergeDuplicatesOutput{}, err
	}
	return types.MergeDuplicatesOutput{Result: res}, nil
}

// RepairOverlap resolves one overlapping asset. Ambiguity is reported in
// the output rather than as an error so the workflow moves on instead of
// retrying a question the oracle already declined to answer.
func (ac *Context) RepairOverlap(ctx context.Context, in types.RepairOverlapInput) (types.RepairOverlapOutput, error) {
	res, err := ac.Engine.RepairOverlap(ctx, in.AssetID)
	if err != nil {
		if errors.Is(err, reconcile.ErrAmbiguousOwnership) {
			ac.Logger.Warn("overlap left unresolved",
				zap.String("asset", in.AssetID),
				zap.Error(err))
			return types.RepairOverlapOutput{Ambiguous: true}, nil
		}
		return types.RepairOverlapOutput{}, err
	}
	return types.RepairOverlapOutput{Result: res}, nil
}

// CrossCheckAccounts re-validates every verified account's holdings
// against the oracle, revoking verification on mismatch. Oracle errors
// skip the account; revocation only happens on a definitive answer.
func (ac *Context) CrossCheckAccounts(ctx context.Context) (types.CrossCheckOutput, error) {
	var keys []string
	ac.Ledger.Range(func(rec *ledger.Record) bool {
		if rec.Verified {
			keys = append(keys, rec.AccountKey)
		}
		return true
	})

	out := types.CrossCheckOutput{}
	for _, key := range keys {
		ok, err := ac.Gate.CrossCheck(ctx, key)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Checked++
		if !ok {
			out.Revoked++
		}
	}
	ac.Logger.Info("cross-check pass finished",
		zap.Int("checked", out.Checked),
		zap.Int("revoked", out.Revoked),
		zap.Int("skipped", out.Skipped))
	return out, nil
}
