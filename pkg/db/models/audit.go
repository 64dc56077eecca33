package models

import "time"

const RepairAuditTableName = "repair_audit"
const AnomalyEventsTableName = "anomaly_events"
const IdentityLinksTableName = "identity_links"

// Repair confidence levels. The snapshot-recency heuristic is an explicit
// lower-confidence path and must stay distinguishable from oracle-confirmed
// repairs in the audit trail.
const (
	ConfidenceOracleConfirmed = "oracle-confirmed"
	ConfidenceSnapshotRecency = "snapshot-recency"
)

// RepairAuditColumns defines the schema for the repair_audit table.
var RepairAuditColumns = []ColumnDef{
	{Name: "repair_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "asset_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "kept_account", Type: "String", Codec: "ZSTD(1)"},
	{Name: "removed_accounts", Type: "Array(String)", Codec: "ZSTD(1)"},
	{Name: "confidence", Type: "LowCardinality(String)"},
	{Name: "ts", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// RepairAuditRow records one completed overlap repair.
type RepairAuditRow struct {
	RepairID        string    `ch:"repair_id"`
	AssetID         string    `ch:"asset_id"`
	KeptAccount     string    `ch:"kept_account"`
	RemovedAccounts []string  `ch:"removed_accounts"`
	Confidence      string    `ch:"confidence"`
	Ts              time.Time `ch:"ts"`
}

// AnomalyEventColumns defines the schema for the anomaly_events table.
var AnomalyEventColumns = []ColumnDef{
	{Name: "event_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "kind", Type: "LowCardinality(String)"},
	{Name: "subject", Type: "String", Codec: "ZSTD(1)"},
	{Name: "accounts", Type: "Array(String)", Codec: "ZSTD(1)"},
	{Name: "detail", Type: "String", Codec: "ZSTD(3)"},
	{Name: "ts", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// AnomalyEventRow records one detected anomaly for the operator trail.
// Anomalies themselves are transient; this table is their history.
type AnomalyEventRow struct {
	EventID  string    `ch:"event_id"`
	Kind     string    `ch:"kind"`
	Subject  string    `ch:"subject"`
	Accounts []string  `ch:"accounts"`
	Detail   string    `ch:"detail"`
	Ts       time.Time `ch:"ts"`
}

// IdentityLinkColumns defines the schema for the identity_links table:
// an explicit account-to-canonical-group mapping maintained by auditable
// merge operations, never inferred from address substrings.
var IdentityLinkColumns = []ColumnDef{
	{Name: "account_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "canonical_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "linked_by", Type: "String", Codec: "ZSTD(1)"},
	{Name: "linked_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// IdentityLinkRow maps an account key to its canonical identity group.
type IdentityLinkRow struct {
	AccountKey   string    `ch:"account_key"`
	CanonicalKey string    `ch:"canonical_key"`
	LinkedBy     string    `ch:"linked_by"`
	LinkedAt     time.Time `ch:"linked_at"`
}
