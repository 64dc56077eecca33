// Package types holds the API process state shared across controllers.
package types

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/checkpoint"
	"github.com/mekforge/goldledger/pkg/db"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/oracle"
	"github.com/mekforge/goldledger/pkg/reconcile"
	"github.com/mekforge/goldledger/pkg/redis"
	"github.com/mekforge/goldledger/pkg/temporal"
	"github.com/mekforge/goldledger/pkg/verify"
)

type App struct {
	// Ledger state and persistence
	DB     db.Store
	Ledger *ledger.Ledger

	// Checkpoint emission and history
	Manager *checkpoint.Manager

	// Verification gate and ownership oracle
	Gate   *verify.Gate
	Oracle oracle.Oracle

	// Synchronous reconciliation (admin-triggered); scheduled runs go
	// through the Temporal worker instead.
	Engine *reconcile.Engine

	// Temporal Client (optional, for triggering workflow runs)
	TemporalClient *temporal.Client

	// Redis Client (nonces, real-time feed)
	RedisClient *redis.Client

	// Cron drives the in-process ledger refresh.
	Cron *cron.Cron

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start starts the application and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
	}
	go a.watchRepairs(ctx)

	go func() { _ = a.Server.ListenAndServe() }()
	a.Logger.Info("API server started", zap.String("addr", a.Server.Addr))
	<-ctx.Done()
	a.Stop()
}

// Stop shuts the application down.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Manager != nil {
		a.Manager.Stop()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	a.Logger.Info("さようなら!")
}

// Ready reports whether downstream dependencies answer.
func (a *App) Ready(ctx context.Context) bool {
	if a.RedisClient != nil {
		if err := a.RedisClient.Health(ctx); err != nil {
			return false
		}
	}
	return true
}

// RefreshLedger reloads in-memory state from storage, picking up repairs
// and merges written by the reconciliation worker.
func (a *App) RefreshLedger(ctx context.Context) error {
	records, err := a.DB.LoadRecords(ctx)
	if err != nil {
		return err
	}
	a.Ledger.ReplaceAll(records)
	return nil
}

// watchRepairs refreshes the ledger whenever the reconciliation worker
// announces a repair or merge. The cron refresh remains as a backstop for
// missed messages.
func (a *App) watchRepairs(ctx context.Context) {
	if a.RedisClient == nil {
		return
	}
	sub := a.RedisClient.Subscribe(ctx, redis.RepairChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.Logger.Info("Repair announced, refreshing ledger",
				zap.String("channel", msg.Channel))
			if err := a.RefreshLedger(ctx); err != nil {
				a.Logger.Warn("Ledger refresh failed", zap.Error(err))
			}
		}
	}
}
