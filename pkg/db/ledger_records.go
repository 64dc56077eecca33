package db

import (
	"context"
	"fmt"
	"time"

	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
)

// SaveRecord appends a new snapshot row for the record. ReplacingMergeTree
// keeps the highest version per record_id, so this doubles as both insert
// and update.
func (db *DB) SaveRecord(ctx context.Context, rec *ledger.Record) error {
	row, err := models.RowFromRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, models.LedgerRecordsTableName)
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

// DeleteRecord writes a tombstone version for the record. The row survives
// in history until merges collapse it; loads skip deleted rows.
func (db *DB) DeleteRecord(ctx context.Context, recordID string) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."%s" (record_id, version, updated_at, deleted)
		SELECT record_id, version + 1, ?, true
		FROM "%s"."%s" FINAL
		WHERE record_id = ? AND deleted = false
	`, db.Name, models.LedgerRecordsTableName, db.Name, models.LedgerRecordsTableName)
	return db.Exec(ctx, query, time.Now().UTC(), recordID)
}

func loadRecordsQuery(dbName string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE deleted = false
		ORDER BY account_key, record_id
	`, models.ColumnsToSelectSQL(models.LedgerRecordColumns), dbName, models.LedgerRecordsTableName)
}

// LoadRecords returns the latest non-deleted snapshot of every record.
// Duplicate account keys are returned as-is; the in-memory ledger surfaces
// them for the reconciliation scan rather than silently dropping rows.
func (db *DB) LoadRecords(ctx context.Context) ([]*ledger.Record, error) {
	query := loadRecordsQuery(db.Name)

	var rows []models.LedgerRecordRow
	if err := db.Select(ctx, &rows, query); err != nil {
		return nil, err
	}
	records := make([]*ledger.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].ToRecord()
		if err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rows[i].RecordID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
