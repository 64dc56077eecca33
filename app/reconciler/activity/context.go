// Package activity implements the Temporal activities behind the
// reconciliation and sweep workflows. Activities operate on a ledger
// loaded from shared storage; repairs flow back through the same storage
// and are announced on Redis so the API process can refresh.
package activity

import (
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/checkpoint"
	"github.com/mekforge/goldledger/pkg/db"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/reconcile"
	"github.com/mekforge/goldledger/pkg/redis"
	"github.com/mekforge/goldledger/pkg/verify"
)

type Context struct {
	Logger *zap.Logger
	DB     db.Store
	Ledger *ledger.Ledger
	Engine *reconcile.Engine
	Gate   *verify.Gate
	// Manager runs the checkpoint sweep.
	Manager *checkpoint.Manager
	// For publishing real-time events
	RedisClient *redis.Client
}
