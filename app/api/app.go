// Package api hosts the public ledger API: balances, spends, verification
// challenges, checkpoint history and the admin reconciliation surface.
package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/app/api/types"
	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/mekforge/goldledger/pkg/checkpoint"
	"github.com/mekforge/goldledger/pkg/db"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/logging"
	"github.com/mekforge/goldledger/pkg/oracle"
	"github.com/mekforge/goldledger/pkg/reconcile"
	"github.com/mekforge/goldledger/pkg/redis"
	"github.com/mekforge/goldledger/pkg/temporal"
	"github.com/mekforge/goldledger/pkg/utils"
	"github.com/mekforge/goldledger/pkg/verify"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	store, err := db.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize ledger database", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize redis", zap.Error(err))
	}

	led := ledger.New(logger, store, ledger.Options{
		CapHours: utils.EnvFloat("ACCRUAL_CAP_HOURS", accrual.DefaultCapHours),
		Debounce: utils.EnvDuration("CHECKPOINT_DEBOUNCE", 30*time.Second),
	})
	records, err := store.LoadRecords(ctx)
	if err != nil {
		logger.Fatal("Unable to load ledger records", zap.Error(err))
	}
	led.Load(records)
	logger.Info("Ledger loaded", zap.Int("records", len(records)))

	manager := checkpoint.NewManager(logger, store, utils.EnvInt("SWEEP_WORKERS", checkpoint.DefaultSweepWorkers))
	led.SetEmitter(manager)

	oracleClient := oracle.NewHTTPFromEnv()
	engine := reconcile.NewEngine(logger, led, oracleClient, store, redisClient, reconcile.Options{})
	gate := verify.NewGate(logger, redisClient, verify.NewHTTPVerifierFromEnv(), oracleClient, led, verify.Options{
		Secret:     []byte(utils.Env("SESSION_SECRET", "change-me-please")),
		NonceTTL:   utils.EnvDuration("CHALLENGE_TTL", 5*time.Minute),
		SessionTTL: utils.EnvDuration("SESSION_TTL", 8*time.Hour),
	})

	// Temporal is optional for the API process; admin endpoints that
	// trigger workflow runs answer 503 without it.
	var temporalClient *temporal.Client
	if utils.Env("TEMPORAL_ENABLED", "true") == "true" {
		temporalClient, err = temporal.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Temporal unavailable - scheduled reconciliation runs elsewhere", zap.Error(err))
			temporalClient = nil
		}
	}

	app := &types.App{
		DB:             store,
		Ledger:         led,
		Manager:        manager,
		Gate:           gate,
		Oracle:         oracleClient,
		Engine:         engine,
		TemporalClient: temporalClient,
		RedisClient:    redisClient,
		Logger:         logger,
	}

	if err := setupScheduler(ctx, app); err != nil {
		logger.Fatal("Unable to set up scheduler", zap.Error(err))
	}
	return app
}

// setupScheduler installs the periodic ledger refresh. The Redis repair
// subscription handles the common case; this backstop catches missed
// messages and records created directly in storage.
func setupScheduler(ctx context.Context, app *types.App) error {
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	refreshSpec := utils.Env("REFRESH_CRON", "0 */5 * * * *")
	_, err := app.Cron.AddFunc(refreshSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := app.RefreshLedger(rctx); err != nil {
			app.Logger.Warn("Scheduled ledger refresh failed", zap.Error(err))
		}
	})
	return err
}
