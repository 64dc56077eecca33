package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/verify"
)

// HandleChallenge issues a verification nonce for the account.
func (c *Controller) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	nonce, expires, err := c.App.Gate.Challenge(r.Context(), key)
	if err != nil {
		c.App.Logger.Error("Challenge issuance failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey": key,
		"nonce":      nonce,
		"expiresAt":  expires.UTC().Format(time.RFC3339),
	})
}

// HandleVerify answers a challenge and, on success, returns a session
// token for the now-verified account.
func (c *Controller) HandleVerify(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := c.App.Gate.Verify(r.Context(), key, body.Nonce, body.Signature)
	switch {
	case errors.Is(err, verify.ErrNoChallenge), errors.Is(err, verify.ErrNonceMismatch):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, verify.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		c.App.Logger.Error("Verification failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusBadGateway, "verification unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "token": token})
}

// HandleBalance returns the current derived balance. Reading never writes:
// the derivation runs against the immutable record snapshot.
func (c *Controller) HandleBalance(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rec, err := c.App.Ledger.Get(key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	balance, err := c.App.Ledger.CurrentBalance(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey":         key,
		"balance":            balance,
		"ratePerHour":        rec.RatePerHour,
		"verified":           rec.Verified,
		"cumulativeEarned":   rec.CumulativeEarned,
		"cumulativeSpent":    rec.CumulativeSpent,
		"lastCheckpointTime": rec.LastCheckpointTime.UTC().Format(time.RFC3339Nano),
	})
}

// HandleRate returns the account's accrual rate broken down by asset.
func (c *Controller) HandleRate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rec, err := c.App.Ledger.Get(key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountKey":  key,
		"ratePerHour": rec.RatePerHour,
		"assets":      rec.SortedAssets(),
	})
}

// HandleSetRate overrides the account's accrual rate. The ledger
// checkpoints first so accrual already earned at the old rate is kept.
func (c *Controller) HandleSetRate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		RatePerHour float64 `json:"ratePerHour"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RatePerHour < 0 {
		writeError(w, http.StatusBadRequest, "ratePerHour must not be negative")
		return
	}

	err := c.App.Ledger.SetRate(r.Context(), key, body.RatePerHour)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		c.App.Logger.Error("Rate override failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate override failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountKey": key, "ratePerHour": body.RatePerHour})
}

// HandleSpend debits the account. The ledger checkpoints first so the
// debit applies to a freshly accrued balance.
func (c *Controller) HandleSpend(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := c.App.Ledger.Spend(r.Context(), key, body.Amount)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "insufficient balance")
		return
	case err != nil:
		c.App.Logger.Error("Spend failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "spend failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountKey": key, "balance": balance})
}

// HandleCommitCheckpoint freezes the derived balance into a new
// Merkle-committed checkpoint, ignoring the sweep debounce.
func (c *Controller) HandleCommitCheckpoint(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	cp, err := c.App.Ledger.CommitCheckpoint(r.Context(), key)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		c.App.Logger.Error("Checkpoint failed", zap.String("account", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint failed")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
