// Package checkpoint builds Merkle-committed checkpoints for ledger
// records and runs the periodic sweep that freezes accrued balances.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/merkle"
)

const (
	// DefaultSweepWorkers bounds the parallel sweep fan-out.
	DefaultSweepWorkers = 16

	// AccountLeafIndex is the position of the account summary leaf in
	// every checkpoint tree; asset leaves follow in assetID order.
	AccountLeafIndex = 0
)

// CheckpointStore persists emitted checkpoints and serves historical
// lookups for proofs and the reconciliation recency fallback.
type CheckpointStore interface {
	InsertCheckpoint(ctx context.Context, cp *ledger.Checkpoint) error
	Checkpoints(ctx context.Context, accountKey string, limit int) ([]*ledger.Checkpoint, error)
}

// Manager implements the ledger's checkpoint emitter.
type Manager struct {
	logger *zap.Logger
	store  CheckpointStore
	pool   pond.Pool
}

// NewManager creates a checkpoint manager backed by the given store.
func NewManager(logger *zap.Logger, store CheckpointStore, sweepWorkers int) *Manager {
	if sweepWorkers <= 0 {
		sweepWorkers = DefaultSweepWorkers
	}
	return &Manager{
		logger: logger.Named("checkpoint"),
		store:  store,
		pool:   pond.NewPool(sweepWorkers),
	}
}

// BuildLeaves returns the canonical leaf encoding for a record: the account
// summary leaf first, then one leaf per asset sorted by assetID. The
// encoding is deterministic so identical ledger states always commit to
// identical roots, regardless of asset insertion order.
func BuildLeaves(rec *ledger.Record) []string {
	assets := rec.SortedAssets()
	leaves := make([]string, 0, len(assets)+1)
	leaves = append(leaves, fmt.Sprintf("%s|%s",
		rec.AccountKey, strconv.FormatFloat(rec.Balance, 'f', -1, 64)))
	for _, a := range assets {
		leaves = append(leaves, fmt.Sprintf("%s:%s",
			a.AssetID, strconv.FormatFloat(a.RatePerHour, 'f', -1, 64)))
	}
	return leaves
}

// Emit builds the Merkle tree over the record's leaves and persists the
// checkpoint. The ledger calls this before the record snapshot becomes
// visible, so a stored checkpoint always describes a state the ledger
// either reached or discarded wholesale.
func (m *Manager) Emit(ctx context.Context, rec *ledger.Record) (*ledger.Checkpoint, error) {
	leaves := BuildLeaves(rec)
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	cp := &ledger.Checkpoint{
		ID:         uuid.NewString(),
		AccountKey: rec.AccountKey,
		Balance:    rec.Balance,
		MerkleRoot: tree.Root(),
		ProofIndex: AccountLeafIndex,
		Timestamp:  rec.LastCheckpointTime,
		Assets:     rec.SortedAssets(),
		Leaves:     leaves,
	}
	if err := m.store.InsertCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint for %s: %w", rec.AccountKey, err)
	}
	return cp, nil
}

// Proof rebuilds the checkpoint's tree and returns the sibling path for
// the requested leaf.
func Proof(cp *ledger.Checkpoint, leafIndex int) ([]string, error) {
	tree, err := merkle.Build(cp.Leaves)
	if err != nil {
		return nil, err
	}
	return tree.Proof(leafIndex)
}

// SweepResult summarizes one pass over the ledger.
type SweepResult struct {
	Committed int
	Debounced int
	Failed    int
	Elapsed   time.Duration
}

// Sweep commits a checkpoint for every account whose last checkpoint is
// older than the ledger's debounce window. Individual failures are logged
// and counted; the sweep keeps going.
func (m *Manager) Sweep(ctx context.Context, led *ledger.Ledger) SweepResult {
	start := time.Now()

	var committed, debounced, failed atomic.Int32

	group := m.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	led.Range(func(rec *ledger.Record) bool {
		key := rec.AccountKey
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			_, err := led.SweepCheckpoint(groupCtx, key)
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, ledger.ErrCheckpointDebounced):
				debounced.Add(1)
			default:
				failed.Add(1)
				m.logger.Warn("sweep checkpoint failed",
					zap.String("account", key),
					zap.Error(err))
			}
		})
		return true
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		m.logger.Warn("checkpoint sweep group encountered error", zap.Error(err))
	}

	res := SweepResult{
		Committed: int(committed.Load()),
		Debounced: int(debounced.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
	}
	m.logger.Debug("checkpoint sweep finished",
		zap.Int("committed", res.Committed),
		zap.Int("debounced", res.Debounced),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// Stop drains the sweep pool.
func (m *Manager) Stop() {
	m.pool.StopAndWait()
}
