package db

import (
	"context"
	"fmt"

	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
)

// InsertCheckpoint appends a checkpoint row. Checkpoints are append-only;
// a duplicate row for an unchanged state is harmless.
func (db *DB) InsertCheckpoint(ctx context.Context, cp *ledger.Checkpoint) error {
	row, err := models.RowFromCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, models.CheckpointsTableName)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	if err := batch.AppendStruct(row); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

func checkpointsQuery(dbName string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s"
		WHERE account_key = ?
		ORDER BY ts DESC
		LIMIT ?
	`, models.ColumnsToSelectSQL(models.CheckpointColumns), dbName, models.CheckpointsTableName)
}

// Checkpoints returns the most recent checkpoints for an account, newest
// first.
func (db *DB) Checkpoints(ctx context.Context, accountKey string, limit int) ([]*ledger.Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	query := checkpointsQuery(db.Name)

	var rows []models.CheckpointRow
	if err := db.Select(ctx, &rows, query, accountKey, limit); err != nil {
		return nil, err
	}
	out := make([]*ledger.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].ToCheckpoint()
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", rows[i].CheckpointID, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func latestCheckpointWithAssetQuery(dbName string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s"
		WHERE account_key = ? AND has(asset_ids, ?)
		ORDER BY ts DESC
		LIMIT 1
	`, models.ColumnsToSelectSQL(models.CheckpointColumns), dbName, models.CheckpointsTableName)
}

// LatestCheckpointWithAsset returns the account's most recent checkpoint
// whose asset set contained the asset, or nil when none exists. The
// reconciliation fallback compares these timestamps across claimants when
// the ownership oracle is unreachable.
func (db *DB) LatestCheckpointWithAsset(ctx context.Context, accountKey, assetID string) (*ledger.Checkpoint, error) {
	query := latestCheckpointWithAssetQuery(db.Name)

	var rows []models.CheckpointRow
	if err := db.Select(ctx, &rows, query, accountKey, assetID); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].ToCheckpoint()
}
