package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mediaforge/internal/domain"
	"mediaforge/internal/provider"
)

type submitJobRequest struct {
	AccountID       string         `json:"account_id" validate:"required,uuid4"`
	Kind            string         `json:"kind" validate:"omitempty,oneof=image video"`
	ModelName       string         `json:"model_name" validate:"required"`
	Parameters      jobParameters  `json:"parameters" validate:"required"`
	ReferenceInputs []string       `json:"reference_inputs" validate:"omitempty,dive,url"`
	Options         map[string]any `json:"options"`
}

type jobParameters struct {
	Prompt         string `json:"prompt" validate:"required"`
	NegativePrompt string `json:"negative_prompt"`
	AspectRatio    string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 4:3 3:4 16:9 9:16"`
	DurationSec    int    `json:"duration_sec" validate:"omitempty,min=1,max=120"`
}

type submitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitJob accepts a generation request, debits the account, submits to
// the owning provider, and answers 202 before the provider finishes.
// Providers that answer synchronously run the completion pipeline inline so
// the caller sees a terminal status immediately.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	adapter, defaults, err := a.Registry.Resolve(req.ModelName)
	if err != nil {
		a.error(w, http.StatusBadRequest, "unsupported_model", err.Error())
		return
	}
	if req.Kind != "" && domain.JobKind(req.Kind) != defaults.Kind {
		a.error(w, http.StatusBadRequest, "bad_request", "kind does not match model")
		return
	}

	params := provider.Params{
		Prompt:         req.Parameters.Prompt,
		NegativePrompt: req.Parameters.NegativePrompt,
		AspectRatio:    req.Parameters.AspectRatio,
		DurationSec:    req.Parameters.DurationSec,
		ReferenceURLs:  req.ReferenceInputs,
		Options:        req.Options,
	}
	shaped := provider.Shape(defaults, params)

	requestJSON, err := json.Marshal(params)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to encode request")
		return
	}

	job := &domain.Job{
		ID:           uuid.NewString(),
		AccountID:    req.AccountID,
		Kind:         defaults.Kind,
		ProviderName: adapter.Name(),
		ModelName:    req.ModelName,
		Status:       domain.JobStatusPending,
		RequestJSON:  requestJSON,
		CreditCost:   defaults.CreditCost,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("jobs: create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	if err := a.Ledger.Debit(r.Context(), req.AccountID, defaults.CreditCost); err != nil {
		// No debit landed, so the failure transition must not refund. A
		// job left pending here would age out through FailJob and credit
		// back money the account never paid.
		if _, failErr := a.Jobs.Fail(r.Context(), job.ID, "debit failed: "+err.Error()); failErr != nil {
			a.Logger.Error().Err(failErr).Str("job_id", job.ID).Msg("jobs: fail transition errored")
		}
		if errors.Is(err, domain.ErrInsufficientCredit) {
			a.error(w, http.StatusPaymentRequired, "insufficient_credit", "account balance too low")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: debit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to debit account")
		return
	}

	externalID, immediate, err := adapter.Submit(r.Context(), shaped)
	if err != nil {
		a.Logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("provider", adapter.Name()).
			Msg("jobs: submission failed")
		a.Completer.FailJob(r.Context(), job, "submission failed: "+err.Error())
		a.error(w, http.StatusBadGateway, "submission_failed", "provider rejected the request")
		return
	}

	if _, err := a.Jobs.MarkProcessing(r.Context(), job.ID, externalID); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: mark processing failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to update job")
		return
	}
	job.ExternalRequestID = externalID
	job.Status = domain.JobStatusProcessing

	status := domain.JobStatusProcessing
	if immediate != nil {
		if err := a.Completer.Complete(r.Context(), job, immediate); err != nil {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: synchronous completion failed")
			status = domain.JobStatusFailed
		} else {
			status = domain.JobStatusCompleted
		}
	}

	a.json(w, http.StatusAccepted, submitJobResponse{JobID: job.ID, Status: string(status)})
}

type jobView struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	Kind              string `json:"kind"`
	ModelName         string `json:"model_name"`
	ProviderName      string `json:"provider_name"`
	Status            string `json:"status"`
	ResultArtifactURL string `json:"result_artifact_url,omitempty"`
	StorageURL        string `json:"storage_url,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	CreditCost        int    `json:"credit_cost"`
	CreditRefunded    bool   `json:"credit_refunded"`
	CreatedAt         string `json:"created_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

// GetJob returns the caller-visible view of one job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	view := jobView{
		ID:                job.ID,
		AccountID:         job.AccountID,
		Kind:              string(job.Kind),
		ModelName:         job.ModelName,
		ProviderName:      job.ProviderName,
		Status:            string(job.Status),
		ResultArtifactURL: job.ResultArtifactURL,
		StorageURL:        job.StorageURL,
		ErrorMessage:      job.ErrorMessage,
		CreditCost:        job.CreditCost,
		CreditRefunded:    job.CreditRefunded,
		CreatedAt:         job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if job.CompletedAt != nil {
		view.CompletedAt = job.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	a.json(w, http.StatusOK, view)
}
