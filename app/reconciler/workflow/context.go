// Package workflow defines the Temporal workflows orchestrating anomaly
// reconciliation and checkpoint sweeps.
package workflow

import (
	"github.com/mekforge/goldledger/app/reconciler/activity"
	"github.com/mekforge/goldledger/pkg/temporal"
)

// Workflow names registered with the worker.
const (
	ReconcileWorkflowName       = "ReconcileWorkflow"
	CheckpointSweepWorkflowName = "CheckpointSweepWorkflow"
)

// Context holds the workflow context.
type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
}
