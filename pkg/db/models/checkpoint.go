package models

import (
	"encoding/json"
	"time"

	"github.com/mekforge/goldledger/pkg/ledger"
)

const CheckpointsTableName = "checkpoints"

// CheckpointColumns defines the schema for the checkpoints table: an
// append-only MergeTree ordered by (account_key, ts). asset_ids is kept as
// a first-class array so the snapshot-recency fallback can ask "most
// recent checkpoint containing asset X" without parsing JSON.
var CheckpointColumns = []ColumnDef{
	{Name: "checkpoint_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "account_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "balance", Type: "Float64"},
	{Name: "merkle_root", Type: "String", Codec: "ZSTD(1)"},
	{Name: "proof_index", Type: "Int32"},
	{Name: "ts", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "asset_ids", Type: "Array(String)", Codec: "ZSTD(3)"},
	{Name: "assets_json", Type: "String", Codec: "ZSTD(3)"},
	{Name: "leaves_json", Type: "String", Codec: "ZSTD(3)"},
}

// CheckpointRow is the storage shape of a checkpoint.
type CheckpointRow struct {
	CheckpointID string    `ch:"checkpoint_id"`
	AccountKey   string    `ch:"account_key"`
	Balance      float64   `ch:"balance"`
	MerkleRoot   string    `ch:"merkle_root"`
	ProofIndex   int32     `ch:"proof_index"`
	Ts           time.Time `ch:"ts"`
	AssetIDs     []string  `ch:"asset_ids"`
	AssetsJSON   string    `ch:"assets_json"`
	LeavesJSON   string    `ch:"leaves_json"`
}

// RowFromCheckpoint converts a domain checkpoint into its storage shape.
func RowFromCheckpoint(cp *ledger.Checkpoint) (*CheckpointRow, error) {
	assets, err := json.Marshal(cp.Assets)
	if err != nil {
		return nil, err
	}
	leaves, err := json.Marshal(cp.Leaves)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cp.Assets))
	for _, a := range cp.Assets {
		ids = append(ids, a.AssetID)
	}
	return &CheckpointRow{
		CheckpointID: cp.ID,
		AccountKey:   cp.AccountKey,
		Balance:      cp.Balance,
		MerkleRoot:   cp.MerkleRoot,
		ProofIndex:   int32(cp.ProofIndex),
		Ts:           cp.Timestamp,
		AssetIDs:     ids,
		AssetsJSON:   string(assets),
		LeavesJSON:   string(leaves),
	}, nil
}

// ToCheckpoint converts a storage row back into the domain checkpoint.
func (r *CheckpointRow) ToCheckpoint() (*ledger.Checkpoint, error) {
	var assets []ledger.AssetRecord
	if r.AssetsJSON != "" {
		if err := json.Unmarshal([]byte(r.AssetsJSON), &assets); err != nil {
			return nil, err
		}
	}
	var leaves []string
	if r.LeavesJSON != "" {
		if err := json.Unmarshal([]byte(r.LeavesJSON), &leaves); err != nil {
			return nil, err
		}
	}
	return &ledger.Checkpoint{
		ID:         r.CheckpointID,
		AccountKey: r.AccountKey,
		Balance:    r.Balance,
		MerkleRoot: r.MerkleRoot,
		ProofIndex: int(r.ProofIndex),
		Timestamp:  r.Ts,
		Assets:     assets,
		Leaves:     leaves,
	}, nil
}
