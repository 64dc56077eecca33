package controller

import "net/http"

// HandleHealth reports process liveness.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports whether the app can serve traffic. Readiness
// requires the backing stores, not just the process.
func (c *Controller) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !c.App.Ready(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
