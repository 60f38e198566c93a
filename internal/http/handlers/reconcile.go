package handlers

import (
	"encoding/json"
	"net/http"
)

type reconcileRequest struct {
	MaxBatch int `json:"max_batch"`
}

// TriggerReconcile runs one polling sweep and returns its summary. The
// endpoint exists so an external cron can drive reconciliation without the
// dedicated reconciler binary.
func (a *App) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.Body != nil {
		// An empty body means defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	summary, err := a.Sweeper.Sweep(r.Context(), req.MaxBatch)
	if err != nil {
		a.Logger.Error().Err(err).Msg("reconcile: sweep failed")
		a.error(w, http.StatusInternalServerError, "internal", "sweep failed")
		return
	}
	a.json(w, http.StatusOK, summary)
}
