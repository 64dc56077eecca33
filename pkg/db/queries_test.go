package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mekforge/goldledger/pkg/db/models"
)

// Column lists embedded into SELECT statements must be joined names, not a
// Go-formatted slice.
func TestSelectQueriesAreWellFormed(t *testing.T) {
	queries := map[string]string{
		"loadRecords":               loadRecordsQuery("goldledger"),
		"checkpoints":               checkpointsQuery("goldledger"),
		"latestCheckpointWithAsset": latestCheckpointWithAssetQuery("goldledger"),
	}

	for name, query := range queries {
		require.NotContains(t, query, "[", name)
		require.NotContains(t, query, "]", name)
	}

	require.Contains(t, queries["loadRecords"], "record_id, account_key, rate_per_hour")
	require.Contains(t, queries["loadRecords"], `FROM "goldledger"."ledger_records" FINAL`)
	require.Contains(t, queries["checkpoints"], "checkpoint_id, account_key, balance, merkle_root")
	require.Contains(t, queries["latestCheckpointWithAsset"], "has(asset_ids, ?)")
}

func TestColumnsToSelectSQL(t *testing.T) {
	cols := []models.ColumnDef{
		{Name: "a", Type: "String"},
		{Name: "b", Type: "Float64"},
		{Name: "c", Type: "Bool"},
	}
	require.Equal(t, "a, b, c", models.ColumnsToSelectSQL(cols))
}
