// Package ledger holds the per-account gold accrual state and the core
// invariant: cumulativeEarned >= balance + cumulativeSpent, after every
// mutation. All mutating operations on one account are serialized through a
// per-account lock; reads are pure derivations over an immutable snapshot
// and may run at arbitrary frequency.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Options configures a Ledger.
type Options struct {
	CapHours float64
	// Debounce is the minimum age of the previous checkpoint before a
	// sweep-triggered commit writes a new one. Explicit commits ignore it.
	Debounce time.Duration
	Clock    accrual.Clock
}

// Ledger is the shared accrual state keyed by accountKey. There is no
// cross-account transaction requirement: each account's invariant is
// independent, so no global lock exists.
type Ledger struct {
	logger   *zap.Logger
	clock    accrual.Clock
	capHours float64
	debounce time.Duration

	// records is keyed by storage record ID; index maps accountKey to the
	// record ID operations resolve through. Duplicate records for one
	// account (a storage bug) stay loaded so the reconciliation scan can
	// find and merge them.
	records *xsync.Map[string, *Record]
	index   *xsync.Map[string, string]
	locks   *xsync.Map[string, *sync.Mutex]

	emitter CheckpointEmitter
	persist Persister
}

func New(logger *zap.Logger, persist Persister, opts Options) *Ledger {
	if opts.CapHours == 0 {
		opts.CapHours = accrual.DefaultCapHours
	}
	if opts.Clock == nil {
		opts.Clock = accrual.SystemClock{}
	}
	return &Ledger{
		logger:   logger,
		clock:    opts.Clock,
		capHours: opts.CapHours,
		debounce: opts.Debounce,
		records:  xsync.NewMap[string, *Record](),
		index:    xsync.NewMap[string, string](),
		locks:    xsync.NewMap[string, *sync.Mutex](),
		persist:  persist,
	}
}

// SetEmitter wires the checkpoint manager. Done post-construction because
// the manager needs the ledger and the ledger needs the manager's port.
func (l *Ledger) SetEmitter(e CheckpointEmitter) { l.emitter = e }

// CapHours returns the configured accrual cap.
func (l *Ledger) CapHours() float64 { return l.capHours }

// Load seeds in-memory state from persisted snapshots, keeping duplicate
// account rows visible for the reconciliation scan.
func (l *Ledger) Load(records []*Record) {
	for _, rec := range records {
		l.records.Store(rec.ID, rec)
		// First record wins the index; duplicates are reachable via Range.
		l.index.LoadOrStore(rec.AccountKey, rec.ID)
	}
}

// ReplaceAll swaps the full in-memory state for freshly loaded snapshots.
// Used after another process repaired records through shared storage:
// stale entries (merged-away duplicates, removed assets) vanish with the
// old maps. Writers racing a replace land in storage and get picked up by
// the next refresh.
func (l *Ledger) ReplaceAll(records []*Record) {
	keep := make(map[string]struct{}, len(records))
	indexed := make(map[string]string, len(records))
	for _, rec := range records {
		keep[rec.ID] = struct{}{}
		l.records.Store(rec.ID, rec)
		if _, ok := indexed[rec.AccountKey]; !ok {
			indexed[rec.AccountKey] = rec.ID
		}
	}
	l.records.Range(func(id string, _ *Record) bool {
		if _, ok := keep[id]; !ok {
			l.records.Delete(id)
		}
		return true
	})
	for key, id := range indexed {
		l.index.Store(key, id)
	}
	l.index.Range(func(key string, _ string) bool {
		if _, ok := indexed[key]; !ok {
			l.index.Delete(key)
		}
		return true
	})
}

func (l *Ledger) lock(accountKey string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(accountKey, &sync.Mutex{})
	return mu
}

func (l *Ledger) loadByKey(accountKey string) (*Record, bool) {
	id, ok := l.index.Load(accountKey)
	if !ok {
		return nil, false
	}
	return l.records.Load(id)
}

// Get returns the current immutable snapshot for an account.
func (l *Ledger) Get(accountKey string) (*Record, error) {
	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return rec, nil
}

// Range calls fn for every stored record (including duplicates) until fn
// returns false. Safe to run concurrently with account mutations.
func (l *Ledger) Range(fn func(rec *Record) bool) {
	l.records.Range(func(_ string, rec *Record) bool {
		return fn(rec)
	})
}

// Create inserts a fresh record on first verified connection. The record
// starts unverified; the verification gate flips it after the signature
// challenge and oracle cross-check succeed.
func (l *Ledger) Create(ctx context.Context, accountKey string, assets []AssetRecord) (*Record, error) {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	if rec, ok := l.loadByKey(accountKey); ok {
		return rec, nil
	}

	now := l.clock.Now()
	rec := &Record{
		ID:                 uuid.NewString(),
		AccountKey:         accountKey,
		RatePerHour:        AssetRateSum(assets),
		Assets:             append([]AssetRecord(nil), assets...),
		LastCheckpointTime: now,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	if err := l.persist.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	l.records.Store(rec.ID, rec)
	l.index.Store(accountKey, rec.ID)
	l.logger.Info("Account created",
		zap.String("account", accountKey),
		zap.Float64("rate_per_hour", rec.RatePerHour),
		zap.Int("assets", len(rec.Assets)))
	return rec, nil
}

// CurrentBalance applies the accrual model against now-lastCheckpointTime
// and returns a derived value without mutating storage. Unverified
// accounts read a frozen balance.
func (l *Ledger) CurrentBalance(accountKey string) (float64, error) {
	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return 0, ErrAccountNotFound
	}
	elapsed := l.clock.Now().Sub(rec.LastCheckpointTime)
	return accrual.AccrueVerified(rec.Verified, rec.RatePerHour, elapsed, rec.Balance, l.capHours), nil
}

// commitLocked materializes the derived balance into the record, advances
// lastCheckpointTime and cumulativeEarned, emits a Merkle-committed
// Checkpoint, and persists the new snapshot. Caller holds the account lock.
//
// Ordering: the checkpoint row is appended before the record snapshot is
// persisted or swapped in. A checkpoint is atomic (root + record) or
// absent; a failed attempt leaves the ledger unchanged and accrual simply
// stays uncommitted until the next successful attempt.
func (l *Ledger) commitLocked(ctx context.Context, rec *Record, skipIfRecent bool) (*Record, *Checkpoint, error) {
	now := l.clock.Now()
	if skipIfRecent && l.debounce > 0 && now.Sub(rec.LastCheckpointTime) < l.debounce {
		return nil, nil, ErrCheckpointDebounced
	}

	elapsed := now.Sub(rec.LastCheckpointTime)
	derived := accrual.AccrueVerified(rec.Verified, rec.RatePerHour, elapsed, rec.Balance, l.capHours)
	credited := derived - rec.Balance

	next := rec.Clone()
	next.Balance = derived
	next.CumulativeEarned += credited
	next.LastCheckpointTime = now
	next.UpdatedAt = now
	next.Version++

	if !CheckInvariant(next) {
		return nil, nil, &InvariantViolationError{AccountKey: rec.AccountKey, Op: "commitCheckpoint", Before: rec, After: next}
	}

	var cp *Checkpoint
	if l.emitter != nil {
		var err error
		cp, err = l.emitter.Emit(ctx, next)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := l.persist.SaveRecord(ctx, next); err != nil {
		return nil, nil, err
	}
	l.records.Store(next.ID, next)
	return next, cp, nil
}

// CommitCheckpoint freezes the derived balance into stored state and emits
// a Checkpoint. Re-checkpointing an unchanged state is allowed and simply
// produces a new timestamped entry with the same root.
func (l *Ledger) CommitCheckpoint(ctx context.Context, accountKey string) (*Checkpoint, error) {
	return l.commitCheckpoint(ctx, accountKey, false)
}

// SweepCheckpoint is CommitCheckpoint under the debounce window; the
// periodic sweep uses it so hot accounts aren't re-frozen every tick.
func (l *Ledger) SweepCheckpoint(ctx context.Context, accountKey string) (*Checkpoint, error) {
	return l.commitCheckpoint(ctx, accountKey, true)
}

func (l *Ledger) commitCheckpoint(ctx context.Context, accountKey string, skipIfRecent bool) (*Checkpoint, error) {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return nil, ErrAccountNotFound
	}
	_, cp, err := l.commitLocked(ctx, rec, skipIfRecent)
	return cp, err
}

// Spend commits a checkpoint first so the debit always operates on a fresh
// balance, then requires balance >= amount. The invariant is re-validated
// before the new snapshot becomes visible.
func (l *Ledger) Spend(ctx context.Context, accountKey string, amount float64) (float64, error) {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return 0, ErrAccountNotFound
	}

	fresh, _, err := l.commitLocked(ctx, rec, false)
	if err != nil {
		return 0, err
	}
	if fresh.Balance < amount {
		return fresh.Balance, ErrInsufficientBalance
	}

	next := fresh.Clone()
	next.Balance -= amount
	next.CumulativeSpent += amount
	next.UpdatedAt = l.clock.Now()
	next.Version++

	if !CheckInvariant(next) {
		return fresh.Balance, &InvariantViolationError{AccountKey: accountKey, Op: "spend", Before: fresh, After: next}
	}
	if err := l.persist.SaveRecord(ctx, next); err != nil {
		return fresh.Balance, err
	}
	l.records.Store(next.ID, next)
	l.logger.Debug("Spend applied",
		zap.String("account", accountKey),
		zap.Float64("amount", amount),
		zap.Float64("balance", next.Balance))
	return next.Balance, nil
}

// SetRate commits a checkpoint first so the rate change takes effect only
// going forward, never retroactively. Changing the rate before freezing
// the old balance would misattribute accrual between the two regimes.
func (l *Ledger) SetRate(ctx context.Context, accountKey string, newRate float64) error {
	return l.mutateAfterCommit(ctx, accountKey, "setRate", func(next *Record) {
		next.RatePerHour = newRate
	})
}

// SetAssets replaces the claimed asset set, recomputing the rate as the
// sum of the remaining per-asset contributions. Same freeze-first ordering
// as SetRate.
func (l *Ledger) SetAssets(ctx context.Context, accountKey string, assets []AssetRecord) error {
	return l.mutateAfterCommit(ctx, accountKey, "setAssets", func(next *Record) {
		next.Assets = append([]AssetRecord(nil), assets...)
		next.RatePerHour = AssetRateSum(next.Assets)
	})
}

// SetVerified flips the verification gate. The old gate state is frozen
// into a checkpoint first so accrual earned while verified is credited
// before the gate closes (and vice versa).
func (l *Ledger) SetVerified(ctx context.Context, accountKey string, verified bool) error {
	return l.mutateAfterCommit(ctx, accountKey, "setVerified", func(next *Record) {
		next.Verified = verified
	})
}

// RemoveAsset strips assetID from the account's claims and recomputes the
// rate. Returns the removed asset. Used by ownership repair; the caller is
// expected to have positive confirmation from the oracle.
func (l *Ledger) RemoveAsset(ctx context.Context, accountKey, assetID string) (AssetRecord, error) {
	if rec, ok := l.loadByKey(accountKey); !ok {
		return AssetRecord{}, ErrAccountNotFound
	} else if !rec.HasAsset(assetID) {
		return AssetRecord{}, ErrAssetNotClaimed
	}

	var removed AssetRecord
	err := l.mutateAfterCommit(ctx, accountKey, "removeAsset", func(next *Record) {
		kept := next.Assets[:0:0]
		for _, a := range next.Assets {
			if a.AssetID == assetID {
				removed = a
				continue
			}
			kept = append(kept, a)
		}
		next.Assets = kept
		next.RatePerHour = AssetRateSum(kept)
	})
	if err != nil {
		return AssetRecord{}, err
	}
	return removed, nil
}

func (l *Ledger) mutateAfterCommit(ctx context.Context, accountKey, op string, mutate func(next *Record)) error {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return ErrAccountNotFound
	}
	fresh, _, err := l.commitLocked(ctx, rec, false)
	if err != nil {
		return err
	}

	next := fresh.Clone()
	mutate(next)
	next.UpdatedAt = l.clock.Now()
	next.Version++

	if !CheckInvariant(next) {
		return &InvariantViolationError{AccountKey: accountKey, Op: op, Before: fresh, After: next}
	}
	if err := l.persist.SaveRecord(ctx, next); err != nil {
		return err
	}
	l.records.Store(next.ID, next)
	return nil
}

// RepairInvariant is the administrative recovery path: it raises
// cumulativeEarned to max(current, minimumCumulative). Repair only ever
// increases the audit trail, never decreases balance, so engine bugs do
// not punish players.
func (l *Ledger) RepairInvariant(ctx context.Context, accountKey string, minimumCumulative float64) (*Record, error) {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := l.loadByKey(accountKey)
	if !ok {
		return nil, ErrAccountNotFound
	}
	if rec.CumulativeEarned >= minimumCumulative {
		return rec, nil
	}

	next := rec.Clone()
	next.CumulativeEarned = minimumCumulative
	next.UpdatedAt = l.clock.Now()
	next.Version++

	if err := l.persist.SaveRecord(ctx, next); err != nil {
		return nil, err
	}
	l.records.Store(next.ID, next)
	l.logger.Warn("Invariant repaired",
		zap.String("account", accountKey),
		zap.Float64("cumulative_before", rec.CumulativeEarned),
		zap.Float64("cumulative_after", next.CumulativeEarned))
	return next, nil
}

// Purge removes an account entirely. Administrative only; ledger records
// are otherwise never deleted.
func (l *Ledger) Purge(ctx context.Context, accountKey string) error {
	mu := l.lock(accountKey)
	mu.Lock()
	defer mu.Unlock()

	id, ok := l.index.Load(accountKey)
	if !ok {
		return ErrAccountNotFound
	}
	if err := l.persist.DeleteRecord(ctx, id); err != nil {
		return err
	}
	l.records.Delete(id)
	l.index.Delete(accountKey)
	return nil
}
