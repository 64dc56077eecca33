package activity

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/mekforge/goldledger/app/reconciler/types"
)

// SweepCheckpoints refreshes the ledger and commits a checkpoint for every
// account outside the debounce window.
func (ac *Context) SweepCheckpoints(ctx context.Context) (types.SweepOutput, error) {
	if err := ac.RefreshLedger(ctx); err != nil {
		return types.SweepOutput{}, err
	}
	res := ac.Manager.Sweep(ctx, ac.Ledger)
	activity.GetLogger(ctx).Info("checkpoint sweep finished",
		"committed", res.Committed,
		"debounced", res.Debounced,
		"failed", res.Failed)
	return types.SweepOutput{
		Committed:  res.Committed,
		Debounced:  res.Debounced,
		Failed:     res.Failed,
		DurationMs: float64(res.Elapsed.Milliseconds()),
	}, nil
}
