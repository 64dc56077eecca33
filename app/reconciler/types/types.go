// Package types defines the workflow and activity payloads for the
// reconciliation worker. Everything crossing a Temporal boundary lives
// here so inputs and outputs stay serializable and versionable.
package types

import (
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/reconcile"
)

// ScanOutput carries the anomaly report out of the scan activity.
type ScanOutput struct {
	Report     *reconcile.Report `json:"report"`
	DurationMs float64           `json:"durationMs"`
}

// RepairOverlapInput names the asset to repair.
type RepairOverlapInput struct {
	AssetID string `json:"assetId"`
}

// RepairOverlapOutput carries one repair outcome. Ambiguous overlaps are
// an expected outcome, not an activity failure: retrying would just ask
// the same oracle the same question.
type RepairOverlapOutput struct {
	Result    *reconcile.RepairResult `json:"result,omitempty"`
	Ambiguous bool                    `json:"ambiguous"`
}

// MergeDuplicatesInput names the account whose duplicate records to merge.
type MergeDuplicatesInput struct {
	AccountKey string `json:"accountKey"`
}

// MergeDuplicatesOutput carries the merge outcome; Result is nil when a
// previous run already merged the records.
type MergeDuplicatesOutput struct {
	Result *ledger.MergeResult `json:"result,omitempty"`
}

// CrossCheckOutput summarizes a verification cross-check pass.
type CrossCheckOutput struct {
	Checked int `json:"checked"`
	Revoked int `json:"revoked"`
	Skipped int `json:"skipped"`
}

// SweepOutput summarizes a checkpoint sweep.
type SweepOutput struct {
	Committed  int     `json:"committed"`
	Debounced  int     `json:"debounced"`
	Failed     int     `json:"failed"`
	DurationMs float64 `json:"durationMs"`
}
