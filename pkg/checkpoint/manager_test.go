package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/merkle"
)

type memStore struct {
	inserted []*ledger.Checkpoint
	failErr  error
}

func (s *memStore) InsertCheckpoint(_ context.Context, cp *ledger.Checkpoint) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.inserted = append(s.inserted, cp)
	return nil
}

func (s *memStore) Checkpoints(_ context.Context, accountKey string, limit int) ([]*ledger.Checkpoint, error) {
	var out []*ledger.Checkpoint
	for i := len(s.inserted) - 1; i >= 0 && len(out) < limit; i-- {
		if s.inserted[i].AccountKey == accountKey {
			out = append(out, s.inserted[i])
		}
	}
	return out, nil
}

type memPersister struct{}

func (memPersister) SaveRecord(context.Context, *ledger.Record) error { return nil }
func (memPersister) DeleteRecord(context.Context, string) error       { return nil }

func testRecord(assets ...ledger.AssetRecord) *ledger.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &ledger.Record{
		ID:                 "rec-1",
		AccountKey:         "addr1q0test",
		RatePerHour:        ledger.AssetRateSum(assets),
		Balance:            250,
		CumulativeEarned:   400,
		CumulativeSpent:    150,
		LastCheckpointTime: now,
		Verified:           true,
		Assets:             assets,
	}
}

func TestEmitRootIgnoresAssetOrder(t *testing.T) {
	a := ledger.AssetRecord{AssetID: "mek-0001", RatePerHour: 4.2}
	b := ledger.AssetRecord{AssetID: "mek-0777", RatePerHour: 8.1}

	store := &memStore{}
	mgr := NewManager(zap.NewNop(), store, 1)
	defer mgr.Stop()

	cp1, err := mgr.Emit(context.Background(), testRecord(a, b))
	require.NoError(t, err)
	cp2, err := mgr.Emit(context.Background(), testRecord(b, a))
	require.NoError(t, err)

	require.Equal(t, cp1.MerkleRoot, cp2.MerkleRoot)
	require.NotEqual(t, cp1.ID, cp2.ID)
	require.Len(t, store.inserted, 2)
}

func TestEmitSameStateSameRoot(t *testing.T) {
	rec := testRecord(ledger.AssetRecord{AssetID: "mek-0001", RatePerHour: 4.2})

	store := &memStore{}
	mgr := NewManager(zap.NewNop(), store, 1)
	defer mgr.Stop()

	cp1, err := mgr.Emit(context.Background(), rec)
	require.NoError(t, err)
	cp2, err := mgr.Emit(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, cp1.MerkleRoot, cp2.MerkleRoot)
}

func TestEmitDifferentBalanceDifferentRoot(t *testing.T) {
	store := &memStore{}
	mgr := NewManager(zap.NewNop(), store, 1)
	defer mgr.Stop()

	rec := testRecord(ledger.AssetRecord{AssetID: "mek-0001", RatePerHour: 4.2})
	cp1, err := mgr.Emit(context.Background(), rec)
	require.NoError(t, err)

	changed := rec.Clone()
	changed.Balance += 1
	cp2, err := mgr.Emit(context.Background(), changed)
	require.NoError(t, err)
	require.NotEqual(t, cp1.MerkleRoot, cp2.MerkleRoot)
}

func TestEmitStoreFailure(t *testing.T) {
	store := &memStore{failErr: errors.New("clickhouse down")}
	mgr := NewManager(zap.NewNop(), store, 1)
	defer mgr.Stop()

	_, err := mgr.Emit(context.Background(), testRecord())
	require.Error(t, err)
	require.Empty(t, store.inserted)
}

func TestProofRoundTrip(t *testing.T) {
	store := &memStore{}
	mgr := NewManager(zap.NewNop(), store, 1)
	defer mgr.Stop()

	rec := testRecord(
		ledger.AssetRecord{AssetID: "mek-0001", RatePerHour: 4.2},
		ledger.AssetRecord{AssetID: "mek-0777", RatePerHour: 8.1},
		ledger.AssetRecord{AssetID: "mek-1500", RatePerHour: 1.0},
	)
	cp, err := mgr.Emit(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, cp.Leaves, 4)

	for i, leaf := range cp.Leaves {
		proof, err := Proof(cp, i)
		require.NoError(t, err)
		require.True(t, merkle.Verify(leaf, proof, cp.MerkleRoot, i))
	}

	// A proof for one leaf never validates a different one.
	proof, err := Proof(cp, AccountLeafIndex)
	require.NoError(t, err)
	require.False(t, merkle.Verify(cp.Leaves[1], proof, cp.MerkleRoot, AccountLeafIndex))
}

func TestSweepCommitsAndDebounces(t *testing.T) {
	clock := &accrual.ManualClock{Current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.New(zap.NewNop(), memPersister{}, ledger.Options{
		CapHours: accrual.DefaultCapHours,
		Debounce: 30 * time.Second,
		Clock:    clock,
	})
	store := &memStore{}
	mgr := NewManager(zap.NewNop(), store, 4)
	defer mgr.Stop()
	led.SetEmitter(mgr)

	ctx := context.Background()
	for _, key := range []string{"addr1q0a", "addr1q0b", "addr1q0c"} {
		_, err := led.Create(ctx, key, []ledger.AssetRecord{{AssetID: "mek-" + key, RatePerHour: 10}})
		require.NoError(t, err)
		require.NoError(t, led.SetVerified(ctx, key, true))
	}
	created := len(store.inserted)

	// Inside the debounce window nothing commits.
	res := mgr.Sweep(ctx, led)
	require.Equal(t, 0, res.Committed)
	require.Equal(t, 3, res.Debounced)
	require.Len(t, store.inserted, created)

	clock.Advance(time.Minute)
	res = mgr.Sweep(ctx, led)
	require.Equal(t, 3, res.Committed)
	require.Equal(t, 0, res.Failed)
	require.Len(t, store.inserted, created+3)
}
