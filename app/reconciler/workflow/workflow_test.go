package workflow_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/mekforge/goldledger/app/reconciler/activity"
	"github.com/mekforge/goldledger/app/reconciler/types"
	"github.com/mekforge/goldledger/app/reconciler/workflow"
	"github.com/mekforge/goldledger/pkg/reconcile"
	"github.com/mekforge/goldledger/pkg/temporal"
)

// mockActivities mirrors the activity context's method set so the test
// environment resolves them by name.
type mockActivities struct {
	report reconcile.Report
	// assets the repair activity reports as ambiguous
	ambiguous map[string]bool

	refreshCalls    atomic.Int32
	scanCalls       atomic.Int32
	mergeCalls      atomic.Int32
	repairCalls     atomic.Int32
	crossCheckCalls atomic.Int32
	sweepCalls      atomic.Int32
}

func (m *mockActivities) RefreshLedger(context.Context) error {
	m.refreshCalls.Add(1)
	return nil
}

func (m *mockActivities) ScanAnomalies(context.Context) (types.ScanOutput, error) {
	m.scanCalls.Add(1)
	return types.ScanOutput{Report: &m.report}, nil
}

func (m *mockActivities) MergeDuplicates(_ context.Context, in types.MergeDuplicatesInput) (types.MergeDuplicatesOutput, error) {
	m.mergeCalls.Add(1)
	return types.MergeDuplicatesOutput{}, nil
}

func (m *mockActivities) RepairOverlap(_ context.Context, in types.RepairOverlapInput) (types.RepairOverlapOutput, error) {
	m.repairCalls.Add(1)
	if m.ambiguous[in.AssetID] {
		return types.RepairOverlapOutput{Ambiguous: true}, nil
	}
	return types.RepairOverlapOutput{
		Result: &reconcile.RepairResult{AssetID: in.AssetID, Winner: "addr1q0winner"},
	}, nil
}

func (m *mockActivities) CrossCheckAccounts(context.Context) (types.CrossCheckOutput, error) {
	m.crossCheckCalls.Add(1)
	return types.CrossCheckOutput{Checked: 5}, nil
}

func (m *mockActivities) SweepCheckpoints(context.Context) (types.SweepOutput, error) {
	m.sweepCalls.Add(1)
	return types.SweepOutput{Committed: 7, Debounced: 2}, nil
}

func newEnv(t *testing.T, mock *mockActivities) (*testsuite.TestWorkflowEnvironment, workflow.Context) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	wfCtx := workflow.Context{
		TemporalClient:  &temporal.Client{ReconcileQueue: "reconcile", SweepQueue: "sweep"},
		ActivityContext: &activity.Context{},
	}
	env.RegisterWorkflow(wfCtx.ReconcileWorkflow)
	env.RegisterWorkflow(wfCtx.CheckpointSweepWorkflow)
	env.RegisterActivity(mock.RefreshLedger)
	env.RegisterActivity(mock.ScanAnomalies)
	env.RegisterActivity(mock.MergeDuplicates)
	env.RegisterActivity(mock.RepairOverlap)
	env.RegisterActivity(mock.CrossCheckAccounts)
	env.RegisterActivity(mock.SweepCheckpoints)
	return env, wfCtx
}

func TestReconcileWorkflow_RepairsEveryOverlap(t *testing.T) {
	mock := &mockActivities{
		report: reconcile.Report{
			ExactDuplicates: []reconcile.DuplicateGroup{
				{AccountKey: "addr1q0alice", RecordIDs: []string{"rec-1", "rec-2"}},
			},
			Overlaps: []reconcile.Overlap{
				{AssetID: "mek-0001", AccountKeys: []string{"addr1q0alice", "addr1q0bob"}},
				{AssetID: "mek-0002", AccountKeys: []string{"addr1q0bob", "addr1q0carol"}},
			},
		},
	}
	env, wfCtx := newEnv(t, mock)

	env.ExecuteWorkflow(wfCtx.ReconcileWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(1), mock.refreshCalls.Load())
	assert.Equal(t, int32(1), mock.scanCalls.Load())
	assert.Equal(t, int32(1), mock.mergeCalls.Load())
	assert.Equal(t, int32(2), mock.repairCalls.Load())
	assert.Equal(t, int32(1), mock.crossCheckCalls.Load())
}

func TestReconcileWorkflow_AmbiguousOverlapDoesNotFail(t *testing.T) {
	mock := &mockActivities{
		report: reconcile.Report{
			Overlaps: []reconcile.Overlap{
				{AssetID: "mek-0001", AccountKeys: []string{"addr1q0alice", "addr1q0bob"}},
				{AssetID: "mek-0002", AccountKeys: []string{"addr1q0bob", "addr1q0carol"}},
			},
		},
		ambiguous: map[string]bool{"mek-0001": true},
	}
	env, wfCtx := newEnv(t, mock)

	env.ExecuteWorkflow(wfCtx.ReconcileWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(2), mock.repairCalls.Load())
}

func TestReconcileWorkflow_CleanScanSkipsRepairs(t *testing.T) {
	mock := &mockActivities{}
	env, wfCtx := newEnv(t, mock)

	env.ExecuteWorkflow(wfCtx.ReconcileWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(0), mock.mergeCalls.Load())
	assert.Equal(t, int32(0), mock.repairCalls.Load())
	assert.Equal(t, int32(1), mock.crossCheckCalls.Load())
}

func TestCheckpointSweepWorkflow(t *testing.T) {
	mock := &mockActivities{}
	env, wfCtx := newEnv(t, mock)

	env.ExecuteWorkflow(wfCtx.CheckpointSweepWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(1), mock.sweepCalls.Load())
}
