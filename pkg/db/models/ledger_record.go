package models

import (
	"encoding/json"
	"time"

	"github.com/mekforge/goldledger/pkg/ledger"
)

const LedgerRecordsTableName = "ledger_records"

// LedgerRecordColumns defines the schema for the ledger_records table.
// ReplacingMergeTree(version) keeps the highest version per record ID, so
// every mutation appends a new row and merges collapse history.
var LedgerRecordColumns = []ColumnDef{
	{Name: "record_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "account_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "rate_per_hour", Type: "Float64"},
	{Name: "balance", Type: "Float64"},
	{Name: "cumulative_earned", Type: "Float64"},
	{Name: "cumulative_spent", Type: "Float64"},
	{Name: "last_checkpoint_time", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "verified", Type: "Bool"},
	{Name: "assets_json", Type: "String", Codec: "ZSTD(3)"},
	{Name: "version", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "created_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "updated_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "deleted", Type: "Bool"},
}

// LedgerRecordRow is the storage shape of a ledger record snapshot.
// Deleted rows are tombstones: ReplacingMergeTree cannot hard-delete, so a
// purge/merge writes a final version with deleted=true and loads skip it.
type LedgerRecordRow struct {
	RecordID           string    `ch:"record_id"`
	AccountKey         string    `ch:"account_key"`
	RatePerHour        float64   `ch:"rate_per_hour"`
	Balance            float64   `ch:"balance"`
	CumulativeEarned   float64   `ch:"cumulative_earned"`
	CumulativeSpent    float64   `ch:"cumulative_spent"`
	LastCheckpointTime time.Time `ch:"last_checkpoint_time"`
	Verified           bool      `ch:"verified"`
	AssetsJSON         string    `ch:"assets_json"`
	Version            uint64    `ch:"version"`
	CreatedAt          time.Time `ch:"created_at"`
	UpdatedAt          time.Time `ch:"updated_at"`
	Deleted            bool      `ch:"deleted"`
}

// RowFromRecord converts a domain record into its storage shape.
func RowFromRecord(rec *ledger.Record) (*LedgerRecordRow, error) {
	assets, err := json.Marshal(rec.Assets)
	if err != nil {
		return nil, err
	}
	return &LedgerRecordRow{
		RecordID:           rec.ID,
		AccountKey:         rec.AccountKey,
		RatePerHour:        rec.RatePerHour,
		Balance:            rec.Balance,
		CumulativeEarned:   rec.CumulativeEarned,
		CumulativeSpent:    rec.CumulativeSpent,
		LastCheckpointTime: rec.LastCheckpointTime,
		Verified:           rec.Verified,
		AssetsJSON:         string(assets),
		Version:            rec.Version,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}

// ToRecord converts a storage row back into the domain record.
func (r *LedgerRecordRow) ToRecord() (*ledger.Record, error) {
	var assets []ledger.AssetRecord
	if r.AssetsJSON != "" {
		if err := json.Unmarshal([]byte(r.AssetsJSON), &assets); err != nil {
			return nil, err
		}
	}
	return &ledger.Record{
		ID:                 r.RecordID,
		AccountKey:         r.AccountKey,
		RatePerHour:        r.RatePerHour,
		Balance:            r.Balance,
		CumulativeEarned:   r.CumulativeEarned,
		CumulativeSpent:    r.CumulativeSpent,
		LastCheckpointTime: r.LastCheckpointTime,
		Verified:           r.Verified,
		Assets:             assets,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}
