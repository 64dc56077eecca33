package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/mekforge/goldledger/app/reconciler/types"
)

// CheckpointSweepWorkflow commits checkpoints for every account whose last
// one aged past the debounce window. The activity handles per-account
// failures itself; the workflow only fails when the sweep cannot run at
// all.
func (wc *Context) CheckpointSweepWorkflow(ctx workflow.Context) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out types.SweepOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.SweepCheckpoints).Get(ctx, &out); err != nil {
		return err
	}
	workflow.GetLogger(ctx).Info("sweep complete",
		"committed", out.Committed,
		"debounced", out.Debounced,
		"failed", out.Failed)
	return nil
}
