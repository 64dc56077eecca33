package ledger

import (
	"context"
	"sort"
	"time"
)

// AssetRecord is one claimed asset and its contribution to the account's
// accrual rate. AssetID is globally unique on the authoritative chain; the
// reconciliation engine exists because this local cache of that fact can
// desynchronize.
type AssetRecord struct {
	AssetID     string  `json:"asset_id"`
	RatePerHour float64 `json:"rate_per_hour"`
	DisplayName string  `json:"display_name"`
}

// Record is one account's ledger state. Records are treated as immutable
// snapshots: mutations build a new copy under the per-account lock and swap
// the pointer, so readers never observe a half-written record.
type Record struct {
	// ID is the storage identity of this row. It differs from AccountKey so
	// the reconciliation scan can detect the storage bug where one account
	// ends up with several stored records.
	ID         string `json:"id"`
	AccountKey string `json:"account_key"`

	RatePerHour      float64 `json:"rate_per_hour"`
	Balance          float64 `json:"balance"`
	CumulativeEarned float64 `json:"cumulative_earned"`
	CumulativeSpent  float64 `json:"cumulative_spent"`

	LastCheckpointTime time.Time `json:"last_checkpoint_time"`
	Verified           bool      `json:"verified"`
	Assets             []AssetRecord `json:"assets"`

	// Version increments on every mutation; the persistence layer keeps the
	// highest version per record (ReplacingMergeTree semantics).
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Assets = make([]AssetRecord, len(r.Assets))
	copy(cp.Assets, r.Assets)
	return &cp
}

// SortedAssets returns the claimed assets ordered by AssetID. Checkpoint
// leaf sets require this ordering so the same logical state always hashes
// to the same Merkle root.
func (r *Record) SortedAssets() []AssetRecord {
	out := make([]AssetRecord, len(r.Assets))
	copy(out, r.Assets)
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// HasAsset reports whether the record claims assetID.
func (r *Record) HasAsset(assetID string) bool {
	for _, a := range r.Assets {
		if a.AssetID == assetID {
			return true
		}
	}
	return false
}

// AssetRateSum returns the sum of per-asset rate contributions.
func AssetRateSum(assets []AssetRecord) float64 {
	var sum float64
	for _, a := range assets {
		sum += a.RatePerHour
	}
	return sum
}

// Checkpoint is an immutable, timestamped snapshot of an account's balance
// and claimed assets, committed with a Merkle root. Checkpoints form an
// append-only sequence per account and double as the audit trail and the
// reconstruction source when the ledger invariant is violated.
type Checkpoint struct {
	ID         string        `json:"id"`
	AccountKey string        `json:"account_key"`
	Balance    float64       `json:"balance"`
	MerkleRoot string        `json:"merkle_root"`
	ProofIndex int           `json:"proof_index"`
	Timestamp  time.Time     `json:"timestamp"`
	Assets     []AssetRecord `json:"assets"`
	Leaves     []string      `json:"leaves"`
}

// CheckpointEmitter freezes a post-accrual record into a persisted,
// Merkle-committed Checkpoint. Implemented by the checkpoint manager;
// the ledger depends only on this narrow port.
type CheckpointEmitter interface {
	Emit(ctx context.Context, rec *Record) (*Checkpoint, error)
}

// Persister stores record snapshots so in-memory state survives restarts.
type Persister interface {
	SaveRecord(ctx context.Context, rec *Record) error
	DeleteRecord(ctx context.Context, recordID string) error
}
