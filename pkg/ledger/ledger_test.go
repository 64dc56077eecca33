package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePersister struct {
	mu       sync.Mutex
	saved    map[string]*Record
	deleted  []string
	failSave error
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]*Record{}}
}

func (p *fakePersister) SaveRecord(_ context.Context, rec *Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave != nil {
		return p.failSave
	}
	p.saved[rec.ID] = rec
	return nil
}

func (p *fakePersister) DeleteRecord(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	delete(p.saved, id)
	return nil
}

type fakeEmitter struct {
	emitted []*Checkpoint
	failErr error
}

func (e *fakeEmitter) Emit(_ context.Context, rec *Record) (*Checkpoint, error) {
	if e.failErr != nil {
		return nil, e.failErr
	}
	cp := &Checkpoint{
		AccountKey: rec.AccountKey,
		Balance:    rec.Balance,
		Timestamp:  rec.LastCheckpointTime,
		Assets:     rec.SortedAssets(),
	}
	e.emitted = append(e.emitted, cp)
	return cp, nil
}

func newTestLedger(t *testing.T, clock accrual.Clock) (*Ledger, *fakePersister, *fakeEmitter) {
	t.Helper()
	p := newFakePersister()
	e := &fakeEmitter{}
	l := New(zaptest.NewLogger(t), p, Options{CapHours: 72, Clock: clock})
	l.SetEmitter(e)
	return l, p, e
}

func verifiedAccount(t *testing.T, l *Ledger, key string, rate float64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.Create(ctx, key, []AssetRecord{{AssetID: key + "-asset", RatePerHour: rate, DisplayName: "Mek"}})
	require.NoError(t, err)
	require.NoError(t, l.SetVerified(ctx, key, true))
}

func TestCurrentBalanceDerivesWithoutMutation(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, p, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		bal, err := l.CurrentBalance("stake1alice")
		require.NoError(t, err)
		assert.InDelta(t, 10.0, bal, 1e-9)
	}

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Balance, "reads must not persist accrual")
	_ = p
}

func TestCurrentBalanceFrozenWhenUnverified(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	_, err := l.Create(context.Background(), "stake1bob", []AssetRecord{{AssetID: "a1", RatePerHour: 10}})
	require.NoError(t, err)

	clock.Advance(100 * time.Hour)
	bal, err := l.CurrentBalance("stake1bob")
	require.NoError(t, err)
	assert.Equal(t, 0.0, bal)
}

func TestCurrentBalanceCaps(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(100 * time.Hour)
	bal, err := l.CurrentBalance("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 720.0, bal, 1e-9, "72h cap at 10/hr")
}

func TestCommitCheckpointCreditsCumulative(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, e := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(2 * time.Hour)
	cp, err := l.CommitCheckpoint(context.Background(), "stake1alice")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.InDelta(t, 20.0, cp.Balance, 1e-9)

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, rec.Balance, 1e-9)
	assert.InDelta(t, 20.0, rec.CumulativeEarned, 1e-9)
	assert.Equal(t, clock.Now(), rec.LastCheckpointTime)
	assert.NotEmpty(t, e.emitted)
}

func TestCommitCheckpointMissingAccount(t *testing.T) {
	l, _, _ := newTestLedger(t, &accrual.ManualClock{Current: time.Now()})
	_, err := l.CommitCheckpoint(context.Background(), "stake1nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestFailedCheckpointLeavesLedgerUnchanged(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, e := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(time.Hour)
	e.failErr = errors.New("clickhouse down")
	_, err := l.CommitCheckpoint(context.Background(), "stake1alice")
	require.Error(t, err)

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Balance, "accrual stays uncommitted after a failed attempt")

	// Next successful attempt credits the full elapsed window.
	e.failErr = nil
	cp, err := l.CommitCheckpoint(context.Background(), "stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, cp.Balance, 1e-9)
}

func TestSpendHappyPath(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(5 * time.Hour)
	bal, err := l.Spend(context.Background(), "stake1alice", 30)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, bal, 1e-9)

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 30.0, rec.CumulativeSpent, 1e-9)
	assert.InDelta(t, 50.0, rec.CumulativeEarned, 1e-9)
	assert.True(t, CheckInvariant(rec))
}

func TestSpendInsufficientBalance(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(time.Hour)
	_, err := l.Spend(context.Background(), "stake1alice", 10.01)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Spend commits a checkpoint even when the debit itself fails.
	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, rec.Balance, 1e-9)
	assert.Equal(t, 0.0, rec.CumulativeSpent)
}

func TestSetRateFreezesOldRegimeFirst(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)

	clock.Advance(time.Hour) // 10 earned at the old rate
	require.NoError(t, l.SetRate(context.Background(), "stake1alice", 100))
	clock.Advance(time.Hour) // 100 earned at the new rate

	bal, err := l.CurrentBalance("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 110.0, bal, 1e-9, "rate change must not be retroactive")
}

func TestInvariantHoldsAcrossOperationSequences(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 25)
	ctx := context.Background()

	steps := []func(){
		func() { clock.Advance(90 * time.Minute); _, _ = l.CommitCheckpoint(ctx, "stake1alice") },
		func() { clock.Advance(time.Hour); _, _ = l.Spend(ctx, "stake1alice", 12.5) },
		func() { _ = l.SetRate(ctx, "stake1alice", 40) },
		func() { clock.Advance(10 * time.Hour); _, _ = l.Spend(ctx, "stake1alice", 100) },
		func() { _ = l.SetRate(ctx, "stake1alice", 5) },
		func() { clock.Advance(200 * time.Hour); _, _ = l.CommitCheckpoint(ctx, "stake1alice") },
		func() { clock.Advance(time.Minute); _, _ = l.Spend(ctx, "stake1alice", 1) },
	}
	for i, step := range steps {
		step()
		rec, err := l.Get("stake1alice")
		require.NoError(t, err)
		require.True(t, CheckInvariant(rec),
			"step %d: earned=%f balance=%f spent=%f", i, rec.CumulativeEarned, rec.Balance, rec.CumulativeSpent)
	}
}

func TestRepairInvariantOnlyRaises(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)
	ctx := context.Background()

	clock.Advance(time.Hour)
	_, err := l.CommitCheckpoint(ctx, "stake1alice")
	require.NoError(t, err)

	rec, err := l.RepairInvariant(ctx, "stake1alice", 5)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, rec.CumulativeEarned, 1e-9, "repair never lowers the trail")

	rec, err = l.RepairInvariant(ctx, "stake1alice", 500)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, rec.CumulativeEarned, 1e-9)
	assert.InDelta(t, 10.0, rec.Balance, 1e-9, "repair never touches balance")
}

func TestSweepCheckpointDebounce(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	p := newFakePersister()
	l := New(zaptest.NewLogger(t), p, Options{CapHours: 72, Clock: clock, Debounce: 30 * time.Second})
	e := &fakeEmitter{}
	l.SetEmitter(e)
	verifiedAccount(t, l, "stake1alice", 10)
	ctx := context.Background()

	clock.Advance(10 * time.Second)
	_, err := l.SweepCheckpoint(ctx, "stake1alice")
	assert.ErrorIs(t, err, ErrCheckpointDebounced)

	clock.Advance(30 * time.Second)
	_, err = l.SweepCheckpoint(ctx, "stake1alice")
	require.NoError(t, err)

	// Explicit commits ignore the window.
	_, err = l.CommitCheckpoint(ctx, "stake1alice")
	require.NoError(t, err)
}

func TestRemoveAssetRecomputesRate(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	ctx := context.Background()
	_, err := l.Create(ctx, "stake1alice", []AssetRecord{
		{AssetID: "mek-001", RatePerHour: 6.5},
		{AssetID: "mek-002", RatePerHour: 3.5},
	})
	require.NoError(t, err)

	removed, err := l.RemoveAsset(ctx, "stake1alice", "mek-001")
	require.NoError(t, err)
	assert.Equal(t, "mek-001", removed.AssetID)

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, rec.RatePerHour, 1e-9)
	assert.False(t, rec.HasAsset("mek-001"))
}

func TestMergeAccountRecords(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, p, _ := newTestLedger(t, clock)

	// Simulate the storage bug: two persisted rows for one account.
	l.Load([]*Record{
		{ID: "rec-1", AccountKey: "stake1dup", Balance: 100, CumulativeEarned: 150, CumulativeSpent: 50,
			Assets: []AssetRecord{{AssetID: "m1", RatePerHour: 5}}, RatePerHour: 5, UpdatedAt: clock.Now()},
		{ID: "rec-2", AccountKey: "stake1dup", Balance: 40, CumulativeEarned: 40,
			Assets: []AssetRecord{{AssetID: "m2", RatePerHour: 2}, {AssetID: "m3", RatePerHour: 1}},
			RatePerHour: 3, UpdatedAt: clock.Now()},
	})

	res, err := l.MergeAccountRecords(context.Background(), "stake1dup")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "rec-2", res.KeptID, "record with most assets wins")
	assert.Equal(t, []string{"rec-1"}, res.RemovedIDs)
	assert.InDelta(t, 140.0, res.Balance, 1e-9, "balances summed uncapped")

	rec, err := l.Get("stake1dup")
	require.NoError(t, err)
	assert.InDelta(t, 190.0, rec.CumulativeEarned, 1e-9)
	assert.InDelta(t, 50.0, rec.CumulativeSpent, 1e-9)
	assert.InDelta(t, 3.0, rec.RatePerHour, 1e-9)
	assert.True(t, CheckInvariant(rec))
	assert.Contains(t, p.deleted, "rec-1")
}

func TestMergeNothingToDo(t *testing.T) {
	l, _, _ := newTestLedger(t, &accrual.ManualClock{Current: time.Now()})
	verifiedAccount(t, l, "stake1solo", 1)
	res, err := l.MergeAccountRecords(context.Background(), "stake1solo")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestConcurrentSpendsSerialize(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Unix(1_700_000_000, 0)}
	l, _, _ := newTestLedger(t, clock)
	verifiedAccount(t, l, "stake1alice", 10)
	clock.Advance(10 * time.Hour) // 100 gold available
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Spend(ctx, "stake1alice", 10)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 10, succeeded, "exactly 100 gold was spendable")

	rec, err := l.Get("stake1alice")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Balance, 0.0)
	assert.True(t, CheckInvariant(rec))
}
