package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"mediaforge/internal/domain"
	"mediaforge/internal/infra"
	"mediaforge/internal/notify"
	"mediaforge/internal/provider"
	"mediaforge/internal/storage"
)

const (
	fetchAttempts = 3
	fetchBackoff  = 500 * time.Millisecond
)

// JobStore is the subset of the job record store the pipeline needs. Both
// methods are conditional writes that report whether this caller won the
// terminal transition.
type JobStore interface {
	Complete(ctx context.Context, jobID, artifactURL, storageURL string) (bool, error)
	Fail(ctx context.Context, jobID, message string) (bool, error)
}

// Refunder credits a failed job's cost back at most once.
type Refunder interface {
	RefundIfNotAlready(ctx context.Context, jobID string) error
}

// Completer turns a provider's raw result into a persisted artifact and a
// terminal job state. It is the single code path for completion regardless
// of whether the result arrived synchronously, via webhook, or via polling,
// and it is safe to invoke concurrently for the same job: the store-level
// compare-and-swap lets exactly one caller win.
type Completer struct {
	jobs       JobStore
	ledger     Refunder
	store      storage.ObjectStore
	publisher  notify.Publisher
	httpClient *http.Client
	logger     infra.Logger
}

func NewCompleter(jobs JobStore, ledger Refunder, store storage.ObjectStore, publisher notify.Publisher, logger infra.Logger) *Completer {
	return &Completer{
		jobs:       jobs,
		ledger:     ledger,
		store:      store,
		publisher:  publisher,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

// SetHTTPClient overrides the artifact fetch client. Tests inject capture
// transports through this.
func (c *Completer) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Complete runs the completion pipeline for one job. Losing the terminal
// race is success: the winner already persisted the result.
//
// An error wrapping ErrMissingArtifact or ErrProviderFailure means the job
// was already moved to failed; any other error left it untouched for a
// later retry.
func (c *Completer) Complete(ctx context.Context, job *domain.Job, raw *provider.RawResult) error {
	artifactURL := ExtractArtifactURL(raw)
	if artifactURL == "" {
		c.FailJob(ctx, job, domain.ErrMissingArtifact.Error())
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrMissingArtifact)
	}

	data, contentType, err := c.fetchArtifact(ctx, artifactURL)
	if err != nil {
		c.FailJob(ctx, job, fmt.Sprintf("artifact fetch failed: %v", err))
		return fmt.Errorf("job %s: %w: fetch artifact: %w", job.ID, domain.ErrProviderFailure, err)
	}

	if contentType == "" {
		contentType = defaultContentType(job.Kind)
	}
	key := fmt.Sprintf("generated/%s/%s/artifact%s", job.AccountID, job.ID, extensionForMIME(contentType, job.Kind))

	storageURL, err := c.store.Put(ctx, key, data, contentType)
	if err != nil {
		// Durability is best-effort: the provider URL still serves the
		// result, so the job completes with it instead of failing.
		c.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("provider", job.ProviderName).
			Msg("pipeline: artifact upload failed, keeping provider url")
		storageURL = artifactURL
	}

	won, err := c.jobs.Complete(ctx, job.ID, artifactURL, storageURL)
	if err != nil {
		return fmt.Errorf("job %s: terminal write: %w", job.ID, err)
	}
	if !won {
		c.logger.Debug().Str("job_id", job.ID).Msg("pipeline: job already terminal, skipping")
		return nil
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("provider", job.ProviderName).
		Str("storage_url", storageURL).
		Msg("pipeline: job completed")
	c.publisher.Publish(ctx, "jobs.completed", map[string]any{
		"job_id":      job.ID,
		"account_id":  job.AccountID,
		"status":      string(domain.JobStatusCompleted),
		"storage_url": storageURL,
	})
	return nil
}

// FailJob is the single failure transition every fatal path converges on:
// conditional status write, at-most-once refund, best-effort notification.
func (c *Completer) FailJob(ctx context.Context, job *domain.Job, message string) {
	won, err := c.jobs.Fail(ctx, job.ID, message)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("pipeline: failure transition errored")
		return
	}
	if !won {
		return
	}
	if err := c.ledger.RefundIfNotAlready(ctx, job.ID); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("pipeline: refund failed")
	}
	c.logger.Info().
		Str("job_id", job.ID).
		Str("provider", job.ProviderName).
		Str("error", message).
		Msg("pipeline: job failed")
	c.publisher.Publish(ctx, "jobs.failed", map[string]any{
		"job_id":     job.ID,
		"account_id": job.AccountID,
		"status":     string(domain.JobStatusFailed),
		"error":      message,
	})
}

func (c *Completer) fetchArtifact(ctx context.Context, artifactURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(fetchBackoff * time.Duration(attempt-1)):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		data, contentType, err := c.fetchOnce(ctx, artifactURL)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("after %d attempts: %w", fetchAttempts, lastErr)
}

func (c *Completer) fetchOnce(ctx context.Context, artifactURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = parsed
	}
	return data, contentType, nil
}

// artifactEnvelope covers the known provider response shapes; Output nests
// one level for task-wrapper payloads.
type artifactEnvelope struct {
	URL      string            `json:"url"`
	Artifact string            `json:"artifact"`
	Output   *artifactEnvelope `json:"output"`
	Results  []struct {
		URL string `json:"url"`
	} `json:"results"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	GenerateVideoResponse *struct {
		GeneratedSamples []struct {
			Video struct {
				URI string `json:"uri"`
			} `json:"video"`
		} `json:"generatedSamples"`
	} `json:"generateVideoResponse"`
}

// ExtractArtifactURL pulls the first artifact URL out of a provider's raw
// payload. An empty string means no known shape matched.
func ExtractArtifactURL(raw *provider.RawResult) string {
	if raw == nil || len(raw.Payload) == 0 {
		return ""
	}
	var envelope artifactEnvelope
	if err := json.Unmarshal(raw.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.firstURL()
}

func (e *artifactEnvelope) firstURL() string {
	if url := strings.TrimSpace(e.URL); url != "" {
		return url
	}
	if url := strings.TrimSpace(e.Artifact); url != "" {
		return url
	}
	for _, r := range e.Results {
		if url := strings.TrimSpace(r.URL); url != "" {
			return url
		}
	}
	for _, img := range e.Images {
		if url := strings.TrimSpace(img.URL); url != "" {
			return url
		}
	}
	if e.GenerateVideoResponse != nil {
		for _, sample := range e.GenerateVideoResponse.GeneratedSamples {
			if url := strings.TrimSpace(sample.Video.URI); url != "" {
				return url
			}
		}
	}
	if e.Output != nil {
		return e.Output.firstURL()
	}
	return ""
}

func defaultContentType(kind domain.JobKind) string {
	if kind == domain.JobKindVideo {
		return "video/mp4"
	}
	return "image/png"
}

func extensionForMIME(contentType string, kind domain.JobKind) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		if kind == domain.JobKindVideo {
			return ".mp4"
		}
		return ".png"
	}
}
