// Package controller wires the HTTP surface of the ledger API.
package controller

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/app/api/types"
	"github.com/mekforge/goldledger/pkg/utils"
)

type Controller struct {
	App            *types.App
	AdminTokenHash []byte
}

// NewController returns a new controller. ADMIN_TOKEN may be supplied as
// plaintext or as a bcrypt hash.
func NewController(app *types.App) *Controller {
	hash, err := utils.HashOrRead(utils.Env("ADMIN_TOKEN", "devtoken"))
	if err != nil {
		app.Logger.Fatal("Unable to hash admin token", zap.Error(err))
	}
	return &Controller{
		App:            app,
		AdminTokenHash: hash,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(c.HandleReady)).Methods(http.MethodGet)

	// Verification flow - public by necessity, the challenge IS the auth
	r.HandleFunc("/v1/accounts/{key}/challenge", c.HandleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{key}/verify", c.HandleVerify).Methods(http.MethodPost)

	// Account reads
	r.HandleFunc("/v1/accounts/{key}/balance", c.HandleBalance).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{key}/rate", c.HandleRate).Methods(http.MethodGet)
	r.HandleFunc("/v1/checkpoints/{key}", c.HandleCheckpoints).Methods(http.MethodGet)
	r.HandleFunc("/v1/checkpoints/{key}/proof", c.HandleCheckpointProof).Methods(http.MethodGet)

	// Account mutations require a verified session for the same key
	r.Handle("/v1/accounts/{key}/spend", c.RequireSession(http.HandlerFunc(c.HandleSpend))).Methods(http.MethodPost)
	r.Handle("/v1/accounts/{key}/checkpoint", c.RequireSession(http.HandlerFunc(c.HandleCommitCheckpoint))).Methods(http.MethodPost)

	// Admin API
	r.Handle("/admin/reconcile/scan", c.RequireAdmin(http.HandlerFunc(c.HandleReconcileScan))).Methods(http.MethodPost)
	r.Handle("/admin/reconcile/run", c.RequireAdmin(http.HandlerFunc(c.HandleReconcileRun))).Methods(http.MethodPost)
	r.Handle("/admin/reconcile/overlaps/{assetId}", c.RequireAdmin(http.HandlerFunc(c.HandleRepairOverlap))).Methods(http.MethodPost)
	r.Handle("/admin/accounts/{key}/rate", c.RequireAdmin(http.HandlerFunc(c.HandleSetRate))).Methods(http.MethodPost)
	r.Handle("/admin/accounts/{key}/merge", c.RequireAdmin(http.HandlerFunc(c.HandleMergeDuplicates))).Methods(http.MethodPost)
	r.Handle("/admin/accounts/{key}/repair", c.RequireAdmin(http.HandlerFunc(c.HandleRepairInvariant))).Methods(http.MethodPost)
	r.Handle("/admin/accounts/{key}", c.RequireAdmin(http.HandlerFunc(c.HandlePurgeAccount))).Methods(http.MethodDelete)
	r.Handle("/admin/identity/link", c.RequireAdmin(http.HandlerFunc(c.HandleLinkIdentity))).Methods(http.MethodPost)
	r.Handle("/admin/identity/{key}", c.RequireAdmin(http.HandlerFunc(c.HandleCanonicalKey))).Methods(http.MethodGet)

	// WebSocket endpoint for the real-time repair feed. Reconciliation
	// events are operator-only; the feed sits behind the same admin token.
	r.Handle("/admin/feed", c.RequireAdmin(http.HandlerFunc(c.HandleFeed))).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
