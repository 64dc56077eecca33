package controller

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/checkpoint"
	"github.com/mekforge/goldledger/pkg/merkle"
)

// HandleCheckpoints lists the account's most recent checkpoints.
func (c *Controller) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	cps, err := c.App.DB.Checkpoints(r.Context(), key, limit)
	if err != nil {
		c.App.Logger.Error("Checkpoint query failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountKey": key, "checkpoints": cps})
}

// HandleCheckpointProof returns the Merkle proof for one leaf of the
// account's latest checkpoint, plus everything needed to verify it
// offline: the leaf, the sibling path, the root and the leaf index.
func (c *Controller) HandleCheckpointProof(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	index := checkpoint.AccountLeafIndex
	if raw := r.URL.Query().Get("index"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid leaf index")
			return
		}
		index = parsed
	}

	cps, err := c.App.DB.Checkpoints(r.Context(), key, 1)
	if err != nil {
		c.App.Logger.Error("Checkpoint query failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint query failed")
		return
	}
	if len(cps) == 0 {
		writeError(w, http.StatusNotFound, "no checkpoints for account")
		return
	}
	cp := cps[0]

	if index < 0 || index >= len(cp.Leaves) {
		writeError(w, http.StatusBadRequest, "leaf index out of range")
		return
	}
	proof, err := checkpoint.Proof(cp, index)
	if err != nil {
		c.App.Logger.Error("Proof construction failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "proof construction failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpointId": cp.ID,
		"accountKey":   key,
		"root":         cp.MerkleRoot,
		"index":        index,
		"leaf":         cp.Leaves[index],
		"leafHash":     merkle.HashLeaf(cp.Leaves[index]),
		"proof":        proof,
	})
}
