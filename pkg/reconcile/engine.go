// Package reconcile detects ownership anomalies across the ledger and
// repairs them. Anomalies come in three kinds: exact account-key
// duplicates (always a storage bug, merged outright), profile duplicates
// (distinct accounts that merely look alike, surfaced but never touched),
// and asset overlaps (the same asset claimed by several accounts, which
// on-chain ownership makes impossible and which must be repaired).
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/oracle"
	"github.com/mekforge/goldledger/pkg/retry"
)

// DefaultRecentWindow marks anomaly groups as recently active when any
// member record changed within it.
const DefaultRecentWindow = 7 * 24 * time.Hour

// AuditStore persists the reconciliation audit trail and serves checkpoint
// history for the recency fallback.
type AuditStore interface {
	InsertRepair(ctx context.Context, row *models.RepairAuditRow) error
	InsertAnomalies(ctx context.Context, rows []*models.AnomalyEventRow) error
	LatestCheckpointWithAsset(ctx context.Context, accountKey, assetID string) (*ledger.Checkpoint, error)
}

// Publisher notifies operators of scans and repairs in real time.
// Publishing is best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// Options configures the engine.
type Options struct {
	RecentWindow time.Duration
	Clock        accrual.Clock
	OracleRetry  retry.Config
}

// Engine runs anomaly scans and overlap repairs against the ledger.
type Engine struct {
	logger *zap.Logger
	led    *ledger.Ledger
	oracle oracle.Oracle
	store  AuditStore
	events Publisher

	clock        accrual.Clock
	recentWindow time.Duration
	oracleRetry  retry.Config
}

// NewEngine creates a reconciliation engine.
func NewEngine(logger *zap.Logger, led *ledger.Ledger, orc oracle.Oracle, store AuditStore, events Publisher, opts Options) *Engine {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.Clock == nil {
		opts.Clock = accrual.SystemClock{}
	}
	if opts.OracleRetry.MaxRetries == 0 {
		opts.OracleRetry = retry.OracleConfig()
	}
	return &Engine{
		logger:       logger.Named("reconcile"),
		led:          led,
		oracle:       orc,
		store:        store,
		events:       events,
		clock:        opts.Clock,
		recentWindow: opts.RecentWindow,
		oracleRetry:  opts.OracleRetry,
	}
}
