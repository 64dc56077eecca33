package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/oracle"
	"github.com/mekforge/goldledger/pkg/redis"
	"github.com/mekforge/goldledger/pkg/retry"
)

// ErrAmbiguousOwnership is returned when neither the oracle nor checkpoint
// history can single out one owner for an overlapping asset. Nothing is
// mutated; the overlap stays visible in subsequent scans.
var ErrAmbiguousOwnership = errors.New("cannot determine single owner for asset")

// RepairResult describes one completed overlap repair.
type RepairResult struct {
	AssetID    string   `json:"assetId"`
	Winner     string   `json:"winner"`
	Removed    []string `json:"removed"`
	Confidence string   `json:"confidence"`
}

// RepairOverlap resolves one overlapping asset. The oracle's answer is
// authoritative: when it names exactly one current claimant, the asset is
// removed from every other claimant and the repair is audited as
// oracle-confirmed. When the oracle is unreachable the most recent
// checkpoint containing the asset picks the winner instead, audited at the
// lower snapshot-recency confidence. Anything else is ambiguous and left
// untouched.
//
// Returns nil without error when fewer than two accounts claim the asset;
// the overlap may have been repaired by an earlier run.
func (e *Engine) RepairOverlap(ctx context.Context, assetID string) (*RepairResult, error) {
	claimants := e.claimants(assetID)
	if len(claimants) < 2 {
		return nil, nil
	}

	winner, confidence, err := e.pickOwner(ctx, assetID, claimants)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{AssetID: assetID, Winner: winner, Confidence: confidence}
	for _, key := range claimants {
		if key == winner {
			continue
		}
		if _, err := e.led.RemoveAsset(ctx, key, assetID); err != nil {
			// A parallel repair may already have removed it.
			if errors.Is(err, ledger.ErrAssetNotClaimed) || errors.Is(err, ledger.ErrAccountNotFound) {
				continue
			}
			return nil, fmt.Errorf("remove %s from %s: %w", assetID, key, err)
		}
		result.Removed = append(result.Removed, key)
	}

	if err := e.store.InsertRepair(ctx, &models.RepairAuditRow{
		RepairID:        uuid.NewString(),
		AssetID:         assetID,
		KeptAccount:     winner,
		RemovedAccounts: result.Removed,
		Confidence:      confidence,
		Ts:              e.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("audit repair of %s: %w", assetID, err)
	}
	if e.events != nil {
		e.events.Publish(ctx, redis.RepairChannel, mustJSON(result))
	}

	e.logger.Info("asset overlap repaired",
		zap.String("asset", assetID),
		zap.String("winner", winner),
		zap.Strings("removed", result.Removed),
		zap.String("confidence", confidence))
	return result, nil
}

// claimants returns the sorted account keys currently claiming the asset.
func (e *Engine) claimants(assetID string) []string {
	var keys []string
	e.led.Range(func(rec *ledger.Record) bool {
		if rec.HasAsset(assetID) {
			keys = append(keys, rec.AccountKey)
		}
		return true
	})
	return dedupSorted(keys)
}

// pickOwner chooses the winning claimant: oracle first, checkpoint recency
// only when the oracle is unreachable.
func (e *Engine) pickOwner(ctx context.Context, assetID string, claimants []string) (string, string, error) {
	var owner string
	err := retry.WithBackoff(ctx, e.oracleRetry, e.logger, "oracle owner lookup", func() error {
		var lookupErr error
		owner, lookupErr = e.oracle.Owner(ctx, assetID)
		if errors.Is(lookupErr, oracle.ErrAssetNotFound) {
			// Definitive answer, retrying will not change it.
			return nil
		}
		return lookupErr
	})

	switch {
	case err == nil && owner != "":
		for _, key := range claimants {
			if key == owner {
				return owner, models.ConfidenceOracleConfirmed, nil
			}
		}
		// The true owner has no ledger record at all. Removing the asset
		// from every claimant would be correct on-chain but destroys
		// accrual state without a beneficiary, so leave it to an operator.
		return "", "", fmt.Errorf("%w: oracle owner %s is not a claimant of %s", ErrAmbiguousOwnership, owner, assetID)

	case err == nil:
		// Oracle answered but no longer tracks the asset.
		return "", "", fmt.Errorf("%w: asset %s unknown to oracle", ErrAmbiguousOwnership, assetID)

	default:
		e.logger.Warn("oracle unreachable, falling back to checkpoint recency",
			zap.String("asset", assetID),
			zap.Error(err))
		return e.pickByRecency(ctx, assetID, claimants)
	}
}

// pickByRecency picks the claimant whose most recent checkpoint contained
// the asset. A unique latest checkpoint is required; ties and missing
// history are ambiguous.
func (e *Engine) pickByRecency(ctx context.Context, assetID string, claimants []string) (string, string, error) {
	var winner string
	var winnerTs time.Time
	tied := false

	for _, key := range claimants {
		cp, err := e.store.LatestCheckpointWithAsset(ctx, key, assetID)
		if err != nil {
			return "", "", fmt.Errorf("checkpoint history for %s: %w", key, err)
		}
		if cp == nil {
			continue
		}
		switch {
		case cp.Timestamp.After(winnerTs):
			winner, winnerTs, tied = key, cp.Timestamp, false
		case cp.Timestamp.Equal(winnerTs):
			tied = true
		}
	}

	if winner == "" || tied {
		return "", "", fmt.Errorf("%w: checkpoint history cannot rank claimants of %s", ErrAmbiguousOwnership, assetID)
	}
	return winner, models.ConfidenceSnapshotRecency, nil
}

// MergeDuplicates collapses every stored record sharing the account key
// into one, summing balances and cumulative totals without the accrual
// cap. Returns nil when the account has no duplicates.
func (e *Engine) MergeDuplicates(ctx context.Context, accountKey string) (*ledger.MergeResult, error) {
	res, err := e.led.MergeAccountRecords(ctx, accountKey)
	if err != nil || res == nil {
		return res, err
	}
	if e.events != nil {
		e.events.Publish(ctx, redis.RepairChannel, mustJSON(res))
	}
	e.logger.Info("duplicate records merged",
		zap.String("account", accountKey),
		zap.String("kept", res.KeptID),
		zap.Int("merged", len(res.RemovedIDs)))
	return res, nil
}
