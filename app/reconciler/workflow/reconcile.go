package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/mekforge/goldledger/app/reconciler/types"
)

// ReconcileWorkflow runs one full reconciliation pass: refresh the ledger
// from storage, scan for anomalies, merge exact duplicates, repair asset
// overlaps one by one, then cross-check verified accounts against the
// oracle. Each phase is a separate activity so a flaky oracle only retries
// the step that touched it.
func (wc *Context) ReconcileWorkflow(ctx workflow.Context) error {
	retry := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         retry,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RefreshLedger).Get(ctx, nil); err != nil {
		return err
	}

	var scan types.ScanOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.ScanAnomalies).Get(ctx, &scan); err != nil {
		return err
	}
	logger.Info("anomaly scan complete",
		"accounts", scan.Report.AccountsScanned,
		"exactDuplicates", len(scan.Report.ExactDuplicates),
		"overlaps", len(scan.Report.Overlaps))

	// Exact duplicates are merged before overlap repair so a duplicate
	// pair doesn't double-claim the same asset during arbitration.
	for _, group := range scan.Report.ExactDuplicates {
		var out types.MergeDuplicatesOutput
		err := workflow.ExecuteActivity(ctx, wc.ActivityContext.MergeDuplicates, types.MergeDuplicatesInput{
			AccountKey: group.AccountKey,
		}).Get(ctx, &out)
		if err != nil {
			return err
		}
	}

	ambiguous := 0
	repaired := 0
	for _, overlap := range scan.Report.Overlaps {
		var out types.RepairOverlapOutput
		err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RepairOverlap, types.RepairOverlapInput{
			AssetID: overlap.AssetID,
		}).Get(ctx, &out)
		if err != nil {
			return err
		}
		if out.Ambiguous {
			ambiguous++
		} else if out.Result != nil {
			repaired++
		}
	}

	var crossCheck types.CrossCheckOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.CrossCheckAccounts).Get(ctx, &crossCheck); err != nil {
		return err
	}

	logger.Info("reconcile pass complete",
		"repaired", repaired,
		"ambiguous", ambiguous,
		"revoked", crossCheck.Revoked)
	return nil
}
