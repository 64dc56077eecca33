// Package db persists ledger snapshots, checkpoints and the reconciliation
// audit trail in ClickHouse. Ledger records use ReplacingMergeTree keyed by
// version; checkpoints and audit rows are plain append-only MergeTree.
package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/db/clickhouse"
	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/utils"
)

// Store describes the persistence operations the ledger, checkpoint
// manager and reconciliation engine require.
type Store interface {
	InitializeDB(ctx context.Context) error

	// Ledger record snapshots (ledger.Persister plus load/merge support).
	SaveRecord(ctx context.Context, rec *ledger.Record) error
	DeleteRecord(ctx context.Context, recordID string) error
	LoadRecords(ctx context.Context) ([]*ledger.Record, error)

	// Checkpoints.
	InsertCheckpoint(ctx context.Context, cp *ledger.Checkpoint) error
	Checkpoints(ctx context.Context, accountKey string, limit int) ([]*ledger.Checkpoint, error)
	LatestCheckpointWithAsset(ctx context.Context, accountKey, assetID string) (*ledger.Checkpoint, error)

	// Audit trail.
	InsertRepair(ctx context.Context, row *models.RepairAuditRow) error
	InsertAnomalies(ctx context.Context, rows []*models.AnomalyEventRow) error

	// Identity links.
	LinkIdentity(ctx context.Context, accountKey, canonicalKey, actor string) error
	CanonicalKey(ctx context.Context, accountKey string) (string, error)

	Close() error
}

// DB is the ClickHouse-backed Store.
type DB struct {
	*clickhouse.Client
}

// New opens the ledger database and initializes its tables.
func New(ctx context.Context, logger *zap.Logger) (*DB, error) {
	name := utils.Env("LEDGER_DB", "goldledger")
	client, err := clickhouse.New(ctx, logger, name)
	if err != nil {
		return nil, err
	}
	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// InitializeDB creates every table the ledger needs.
func (db *DB) InitializeDB(ctx context.Context) error {
	inits := []func(context.Context) error{
		db.initLedgerRecords,
		db.initCheckpoints,
		db.initRepairAudit,
		db.initAnomalyEvents,
		db.initIdentityLinks,
	}
	for _, init := range inits {
		if err := init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) initLedgerRecords(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s(version)
		ORDER BY (record_id)
	`, db.Name, models.LedgerRecordsTableName,
		models.ColumnsToSchemaSQL(models.LedgerRecordColumns), clickhouse.ReplacingMergeTree)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.LedgerRecordsTableName, err)
	}
	return nil
}

func (db *DB) initCheckpoints(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (account_key, ts)
	`, db.Name, models.CheckpointsTableName,
		models.ColumnsToSchemaSQL(models.CheckpointColumns), clickhouse.MergeTree)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.CheckpointsTableName, err)
	}
	return nil
}

func (db *DB) initRepairAudit(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (asset_id, ts)
	`, db.Name, models.RepairAuditTableName,
		models.ColumnsToSchemaSQL(models.RepairAuditColumns), clickhouse.MergeTree)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.RepairAuditTableName, err)
	}
	return nil
}

func (db *DB) initAnomalyEvents(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (kind, ts)
	`, db.Name, models.AnomalyEventsTableName,
		models.ColumnsToSchemaSQL(models.AnomalyEventColumns), clickhouse.MergeTree)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.AnomalyEventsTableName, err)
	}
	return nil
}

func (db *DB) initIdentityLinks(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s(linked_at)
		ORDER BY (account_key)
	`, db.Name, models.IdentityLinksTableName,
		models.ColumnsToSchemaSQL(models.IdentityLinkColumns), clickhouse.ReplacingMergeTree)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.IdentityLinksTableName, err)
	}
	return nil
}

// LinkIdentity records that accountKey belongs to canonicalKey's identity
// group. Audited via actor; replaces any previous link for the account.
func (db *DB) LinkIdentity(ctx context.Context, accountKey, canonicalKey, actor string) error {
	query := fmt.Sprintf(
		`INSERT INTO "%s"."%s" (account_key, canonical_key, linked_by, linked_at) VALUES`,
		db.Name, models.IdentityLinksTableName,
	)
	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	if err := batch.Append(accountKey, canonicalKey, actor, time.Now().UTC()); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

// CanonicalKey resolves an account to its canonical identity group,
// returning the account itself when no link exists.
func (db *DB) CanonicalKey(ctx context.Context, accountKey string) (string, error) {
	query := fmt.Sprintf(
		`SELECT canonical_key FROM "%s"."%s" FINAL WHERE account_key = ? LIMIT 1`,
		db.Name, models.IdentityLinksTableName,
	)
	var canonical string
	err := db.QueryRow(ctx, query, accountKey).Scan(&canonical)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return accountKey, nil
		}
		return "", err
	}
	return canonical, nil
}
