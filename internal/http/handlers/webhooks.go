package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediaforge/internal/domain"
	"mediaforge/internal/provider"
)

// HandleWebhook receives a provider's completion callback. The handler is
// deliberately forgiving: providers redeliver webhooks, so an unknown
// external id (the job may have aged out) answers 404 with zero side
// effects, and a job already terminal answers 200 as an idempotent no-op.
// Only transient store errors answer 500, which tells the provider to
// retry.
func (a *App) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	adapter, ok := a.Registry.AdapterFor(providerName)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	parser, ok := adapter.(provider.WebhookParser)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "provider does not deliver webhooks")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read payload")
		return
	}
	externalID, state, raw, err := parser.ParseWebhook(body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	job, err := a.Jobs.GetByExternalID(r.Context(), providerName, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no job for external request id")
			return
		}
		a.Logger.Error().Err(err).
			Str("provider", providerName).
			Str("external_id", externalID).
			Msg("webhook: job lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "job lookup failed")
		return
	}
	if job.Status.IsTerminal() {
		a.json(w, http.StatusOK, map[string]string{"status": "ok", "result": "already terminal"})
		return
	}

	switch state {
	case provider.StateCompleted:
		if err := a.Completer.Complete(r.Context(), job, raw); err != nil {
			// The pipeline already failed the job for fatal classes; a
			// retried delivery hits the terminal no-op above.
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: completion failed")
			a.error(w, http.StatusInternalServerError, "internal", "completion failed")
			return
		}
	case provider.StateFailed:
		message := "provider reported failure"
		if raw != nil && raw.ErrorMessage != "" {
			message = raw.ErrorMessage
		}
		a.Completer.FailJob(r.Context(), job, message)
	default:
		// Progress-only notification; nothing to transition.
	}

	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
