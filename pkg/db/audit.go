package db

import (
	"context"
	"fmt"

	"github.com/mekforge/goldledger/pkg/db/models"
)

// InsertRepair appends one repair to the audit trail.
func (db *DB) InsertRepair(ctx context.Context, row *models.RepairAuditRow) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, models.RepairAuditTableName)
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

// InsertAnomalies appends a batch of anomaly events from one scan.
func (db *DB) InsertAnomalies(ctx context.Context, rows []*models.AnomalyEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, models.AnomalyEventsTableName)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.AppendStruct(row); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}
