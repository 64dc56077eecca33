package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/app/reconciler/workflow"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/reconcile"
)

// HandleReconcileScan runs an anomaly scan synchronously and returns the
// report. The ledger is refreshed first so the scan sees the latest
// storage state.
func (c *Controller) HandleReconcileScan(w http.ResponseWriter, r *http.Request) {
	if err := c.App.RefreshLedger(r.Context()); err != nil {
		c.App.Logger.Error("Ledger refresh failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ledger refresh failed")
		return
	}
	report, err := c.App.Engine.Scan(r.Context())
	if err != nil {
		c.App.Logger.Error("Anomaly scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "anomaly scan failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleReconcileRun triggers a full reconcile workflow on the Temporal
// worker, returning the workflow run handle.
func (c *Controller) HandleReconcileRun(w http.ResponseWriter, r *http.Request) {
	if c.App.TemporalClient == nil {
		writeError(w, http.StatusServiceUnavailable, "temporal not configured")
		return
	}
	run, err := c.App.TemporalClient.TClient.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		TaskQueue: c.App.TemporalClient.ReconcileQueue,
	}, workflow.ReconcileWorkflowName)
	if err != nil {
		c.App.Logger.Error("Unable to start reconcile workflow", zap.Error(err))
		writeError(w, http.StatusBadGateway, "unable to start reconcile workflow")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflowId": run.GetID(),
		"runId":      run.GetRunID(),
	})
}

// HandleRepairOverlap repairs one overlapping asset on demand. Ambiguity
// is a conflict, not a server error: the caller asked for a repair the
// available evidence cannot justify.
func (c *Controller) HandleRepairOverlap(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetId"]
	res, err := c.App.Engine.RepairOverlap(r.Context(), assetID)
	switch {
	case errors.Is(err, reconcile.ErrAmbiguousOwnership):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		c.App.Logger.Error("Overlap repair failed", zap.String("asset", assetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "overlap repair failed")
		return
	case res == nil:
		writeJSON(w, http.StatusOK, map[string]any{"assetId": assetID, "repaired": false})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleMergeDuplicates merges duplicate stored records for an account.
func (c *Controller) HandleMergeDuplicates(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	res, err := c.App.Engine.MergeDuplicates(r.Context(), key)
	if err != nil {
		c.App.Logger.Error("Merge failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "merge failed")
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"accountKey": key, "merged": false})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRepairInvariant raises an account's cumulativeEarned to at least
// the given floor. Repairs only ever raise the total.
func (c *Controller) HandleRepairInvariant(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		MinimumCumulative float64 `json:"minimumCumulative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := c.App.Ledger.RepairInvariant(r.Context(), key, body.MinimumCumulative)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		c.App.Logger.Error("Invariant repair failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "invariant repair failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey":       key,
		"cumulativeEarned": rec.CumulativeEarned,
	})
}

// HandlePurgeAccount removes an account entirely.
func (c *Controller) HandlePurgeAccount(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	err := c.App.Ledger.Purge(r.Context(), key)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		c.App.Logger.Error("Purge failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountKey": key, "purged": true})
}

// HandleLinkIdentity records that an account belongs to a canonical
// identity group. Links are explicit operator actions, never inferred.
func (c *Controller) HandleLinkIdentity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountKey   string `json:"accountKey"`
		CanonicalKey string `json:"canonicalKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AccountKey == "" || body.CanonicalKey == "" {
		writeError(w, http.StatusBadRequest, "accountKey and canonicalKey are required")
		return
	}

	if err := c.App.DB.LinkIdentity(r.Context(), body.AccountKey, body.CanonicalKey, "api-token"); err != nil {
		c.App.Logger.Error("Identity link failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "identity link failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey":   body.AccountKey,
		"canonicalKey": body.CanonicalKey,
		"linked":       true,
	})
}

// HandleCanonicalKey resolves an account to its canonical identity group.
// An unlinked account resolves to itself.
func (c *Controller) HandleCanonicalKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	canonical, err := c.App.DB.CanonicalKey(r.Context(), key)
	if err != nil {
		c.App.Logger.Error("Identity lookup failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "identity lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey":   key,
		"canonicalKey": canonical,
		"linked":       canonical != key,
	})
}
