package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/db/models"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/redis"
)

// Anomaly kinds recorded in the audit trail.
const (
	AnomalyExactDuplicate   = "exact_duplicate"
	AnomalyProfileDuplicate = "profile_duplicate"
	AnomalyAssetOverlap     = "asset_overlap"
)

// DuplicateGroup is several stored records sharing one account key. Two
// rows for the same key can only come from a storage bug, so these are
// merged rather than arbitrated.
type DuplicateGroup struct {
	AccountKey string   `json:"accountKey"`
	RecordIDs  []string `json:"recordIds"`
}

// ProfileGroup is several distinct accounts with an identical asset-count
// and rate profile. Lookalikes are legitimate, so these are surfaced for
// operators and never mutated automatically.
type ProfileGroup struct {
	Profile        string   `json:"profile"`
	AccountKeys    []string `json:"accountKeys"`
	RecentlyActive bool     `json:"recentlyActive"`
}

// Overlap is one asset claimed by several accounts at once.
type Overlap struct {
	AssetID     string   `json:"assetId"`
	AccountKeys []string `json:"accountKeys"`
}

// Report is the outcome of one anomaly scan.
type Report struct {
	ExactDuplicates   []DuplicateGroup `json:"exactDuplicates"`
	ProfileDuplicates []ProfileGroup   `json:"profileDuplicates"`
	Overlaps          []Overlap        `json:"overlaps"`
	AccountsScanned   int              `json:"accountsScanned"`
}

// profileOf condenses a record to the shape used for lookalike grouping.
func profileOf(rec *ledger.Record) string {
	return fmt.Sprintf("%d_%s", len(rec.Assets), strconv.FormatFloat(rec.RatePerHour, 'f', -1, 64))
}

// Scan walks every ledger record and groups anomalies. The report is
// persisted to the anomaly trail and published for live observers; the
// ledger itself is never mutated by a scan.
func (e *Engine) Scan(ctx context.Context) (*Report, error) {
	byKey := make(map[string][]string)
	byProfile := make(map[string][]*ledger.Record)
	byAsset := make(map[string][]string)
	scanned := 0

	e.led.Range(func(rec *ledger.Record) bool {
		scanned++
		byKey[rec.AccountKey] = append(byKey[rec.AccountKey], rec.ID)
		byProfile[profileOf(rec)] = append(byProfile[profileOf(rec)], rec)
		for _, a := range rec.Assets {
			byAsset[a.AssetID] = append(byAsset[a.AssetID], rec.AccountKey)
		}
		return true
	})

	report := &Report{AccountsScanned: scanned}
	cutoff := e.clock.Now().Add(-e.recentWindow)

	for key, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		report.ExactDuplicates = append(report.ExactDuplicates, DuplicateGroup{AccountKey: key, RecordIDs: ids})
	}

	for profile, recs := range byProfile {
		if len(recs) < 2 {
			continue
		}
		group := ProfileGroup{Profile: profile}
		seen := make(map[string]struct{}, len(recs))
		for _, rec := range recs {
			if _, dup := seen[rec.AccountKey]; dup {
				continue
			}
			seen[rec.AccountKey] = struct{}{}
			group.AccountKeys = append(group.AccountKeys, rec.AccountKey)
			if rec.UpdatedAt.After(cutoff) {
				group.RecentlyActive = true
			}
		}
		if len(group.AccountKeys) < 2 {
			continue
		}
		sort.Strings(group.AccountKeys)
		report.ProfileDuplicates = append(report.ProfileDuplicates, group)
	}

	for assetID, keys := range byAsset {
		uniq := dedupSorted(keys)
		if len(uniq) < 2 {
			continue
		}
		report.Overlaps = append(report.Overlaps, Overlap{AssetID: assetID, AccountKeys: uniq})
	}

	sort.Slice(report.ExactDuplicates, func(i, j int) bool {
		return report.ExactDuplicates[i].AccountKey < report.ExactDuplicates[j].AccountKey
	})
	sort.Slice(report.ProfileDuplicates, func(i, j int) bool {
		return report.ProfileDuplicates[i].Profile < report.ProfileDuplicates[j].Profile
	})
	sort.Slice(report.Overlaps, func(i, j int) bool {
		return report.Overlaps[i].AssetID < report.Overlaps[j].AssetID
	})

	if err := e.recordAnomalies(ctx, report); err != nil {
		return nil, err
	}
	e.publishReport(ctx, report)

	e.logger.Info("anomaly scan finished",
		zap.Int("accounts", scanned),
		zap.Int("exactDuplicates", len(report.ExactDuplicates)),
		zap.Int("profileDuplicates", len(report.ProfileDuplicates)),
		zap.Int("overlaps", len(report.Overlaps)))
	return report, nil
}

func (e *Engine) recordAnomalies(ctx context.Context, report *Report) error {
	now := e.clock.Now()
	var rows []*models.AnomalyEventRow

	for _, group := range report.ExactDuplicates {
		rows = append(rows, &models.AnomalyEventRow{
			EventID:  uuid.NewString(),
			Kind:     AnomalyExactDuplicate,
			Subject:  group.AccountKey,
			Accounts: []string{group.AccountKey},
			Detail:   mustJSON(group),
			Ts:       now,
		})
	}
	for _, group := range report.ProfileDuplicates {
		rows = append(rows, &models.AnomalyEventRow{
			EventID:  uuid.NewString(),
			Kind:     AnomalyProfileDuplicate,
			Subject:  group.Profile,
			Accounts: group.AccountKeys,
			Detail:   mustJSON(group),
			Ts:       now,
		})
	}
	for _, overlap := range report.Overlaps {
		rows = append(rows, &models.AnomalyEventRow{
			EventID:  uuid.NewString(),
			Kind:     AnomalyAssetOverlap,
			Subject:  overlap.AssetID,
			Accounts: overlap.AccountKeys,
			Detail:   mustJSON(overlap),
			Ts:       now,
		})
	}
	return e.store.InsertAnomalies(ctx, rows)
}

func (e *Engine) publishReport(ctx context.Context, report *Report) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, redis.AnomalyChannel, mustJSON(report))
}

func dedupSorted(keys []string) []string {
	sort.Strings(keys)
	out := keys[:0]
	var prev string
	for i, k := range keys {
		if i == 0 || k != prev {
			out = append(out, k)
		}
		prev = k
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
