// Package reconciler hosts the Temporal worker that runs anomaly scans,
// overlap repairs and checkpoint sweeps against the shared ledger storage.
package reconciler

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/app/reconciler/activity"
	"github.com/mekforge/goldledger/app/reconciler/workflow"
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

type App struct {
	Worker         worker.Worker
	SweepWorker    worker.Worker
	TemporalClient *temporal.Client
	Manager        *checkpoint.Manager
	Logger         *zap.Logger
}

// Start starts the workers and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start reconcile worker", zap.Error(err))
	}
	if err := a.SweepWorker.Start(); err != nil {
		a.Logger.Fatal("Unable to start sweep worker", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

// Stop stops the workers.
func (a *App) Stop() {
	a.Worker.Stop()
	a.SweepWorker.Stop()
	a.Manager.Stop()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
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

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
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
		Secret: []byte(utils.Env("SESSION_SECRET", "")),
	})

	activityContext := &activity.Context{
		Logger:      logger,
		DB:          store,
		Ledger:      led,
		Engine:      engine,
		Gate:        gate,
		Manager:     manager,
		RedisClient: redisClient,
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.ReconcileQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 5,
			MaxConcurrentActivityTaskPollers: 5,
			WorkerStopTimeout:                1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.ReconcileWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.ReconcileWorkflowName},
	)
	wkr.RegisterActivity(activityContext.RefreshLedger)
	wkr.RegisterActivity(activityContext.ScanAnomalies)
	wkr.RegisterActivity(activityContext.MergeDuplicates)
	wkr.RegisterActivity(activityContext.RepairOverlap)
	wkr.RegisterActivity(activityContext.CrossCheckAccounts)

	sweepWorker := worker.New(
		temporalClient.TClient,
		temporalClient.SweepQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 2,
			MaxConcurrentActivityTaskPollers: 2,
			WorkerStopTimeout:                1 * time.Minute,
		},
	)
	sweepWorker.RegisterWorkflowWithOptions(
		workflowContext.CheckpointSweepWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.CheckpointSweepWorkflowName},
	)
	sweepWorker.RegisterActivity(activityContext.SweepCheckpoints)

	app := &App{
		Worker:         wkr,
		SweepWorker:    sweepWorker,
		TemporalClient: temporalClient,
		Manager:        manager,
		Logger:         logger,
	}
	if err := app.ensureSchedules(ctx); err != nil {
		logger.Fatal("Unable to ensure schedules", zap.Error(err))
	}
	return app
}

// ensureSchedules creates the recurring reconcile and sweep schedules if
// they do not already exist.
func (a *App) ensureSchedules(ctx context.Context) error {
	reconcileEvery := utils.EnvDuration("RECONCILE_INTERVAL", 3*time.Minute)
	sweepEvery := utils.EnvDuration("SWEEP_INTERVAL", time.Minute)

	schedules := []struct {
		id       string
		spec     client.ScheduleSpec
		workflow string
		queue    string
		timeout  time.Duration
	}{
		{
			id:       a.TemporalClient.ReconcileScheduleID,
			spec:     a.TemporalClient.GetScheduleSpec(reconcileEvery),
			workflow: workflow.ReconcileWorkflowName,
			queue:    a.TemporalClient.ReconcileQueue,
			timeout:  30 * time.Minute,
		},
		{
			id:       a.TemporalClient.SweepScheduleID,
			spec:     a.TemporalClient.GetScheduleSpec(sweepEvery),
			workflow: workflow.CheckpointSweepWorkflowName,
			queue:    a.TemporalClient.SweepQueue,
			timeout:  15 * time.Minute,
		},
	}

	for _, s := range schedules {
		h := a.TemporalClient.TSClient.GetHandle(ctx, s.id)
		if _, err := h.Describe(ctx); err == nil {
			a.Logger.Info("Schedule already exists", zap.String("id", s.id))
			continue
		} else {
			var notFound *serviceerror.NotFound
			if !errors.As(err, &notFound) {
				return err
			}
		}

		a.Logger.Info("Creating schedule", zap.String("id", s.id))
		_, err := a.TemporalClient.TSClient.Create(ctx, client.ScheduleOptions{
			ID:   s.id,
			Spec: s.spec,
			Action: &client.ScheduleWorkflowAction{
				Workflow:                 s.workflow,
				TaskQueue:                s.queue,
				WorkflowExecutionTimeout: s.timeout,
				WorkflowTaskTimeout:      2 * time.Minute,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
