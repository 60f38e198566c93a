package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates supported generation categories.
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// JobStatus enumerates job lifecycle states. A job moves pending ->
// processing -> completed|failed and never backwards; the terminal states
// are absorbing.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the persisted record of one request to synthesize an image or
// video. ExternalRequestID joins provider webhooks and status polls back to
// the row once the provider has accepted the submission.
type Job struct {
	ID                string
	AccountID         string
	Kind              JobKind
	ProviderName      string
	ModelName         string
	ExternalRequestID string
	Status            JobStatus
	RequestJSON       json.RawMessage
	ResultArtifactURL string
	StorageURL        string
	ErrorMessage      string
	CreditCost        int
	CreditRefunded    bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Age returns how long the job has existed relative to now. Timeouts are
// evaluated from wall-clock age so the check stays stable across delayed
// sweeps.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}
