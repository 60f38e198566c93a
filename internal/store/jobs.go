package store

import (
	"context"
	"fmt"

	"mediaforge/internal/domain"
	"mediaforge/internal/infra"
	"mediaforge/internal/sqlinline"

	"github.com/jackc/pgx/v5"
)

// Jobs is the durable record store for generation jobs. Every terminal
// transition it exposes is a conditional write guarded by the current
// status; a guard that matches zero rows means a racing caller got there
// first, which callers treat as a successful no-op.
type Jobs struct {
	sql infra.SQLExecutor
}

func NewJobs(sql infra.SQLExecutor) *Jobs {
	return &Jobs{sql: sql}
}

// Create inserts a new job in the pending state.
func (s *Jobs) Create(ctx context.Context, job *domain.Job) error {
	_, err := s.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.AccountID,
		string(job.Kind),
		job.ProviderName,
		job.ModelName,
		job.RequestJSON,
		job.CreditCost,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkProcessing records the provider-assigned external request id and moves
// the job from pending to processing. Returns false if the job was no longer
// pending.
func (s *Jobs) MarkProcessing(ctx context.Context, jobID, externalID string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QMarkJobProcessing, jobID, externalID)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete performs the terminal success transition. The status guard makes
// the write a compare-and-swap: exactly one of two racing callers wins, and
// the loser sees false.
func (s *Jobs) Complete(ctx context.Context, jobID, artifactURL, storageURL string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QCompleteJob, jobID, artifactURL, storageURL)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail performs the terminal failure transition, guarded the same way as
// Complete. Returns false when the job was already terminal.
func (s *Jobs) Fail(ctx context.Context, jobID, message string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QFailJob, jobID, message)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID fetches a job by its identifier.
func (s *Jobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID)
	return scanJob(row)
}

// GetByExternalID resolves the provider's request id back to a job. This is
// the join key used by both the webhook and the polling paths.
func (s *Jobs) GetByExternalID(ctx context.Context, providerName, externalID string) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectJobByExternalID, providerName, externalID)
	return scanJob(row)
}

// ListUnresolved loads up to limit jobs still in pending or processing,
// oldest first, to bound worst-case staleness for the reconciler.
func (s *Jobs) ListUnresolved(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSelectUnresolvedJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJobFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	job, err := scanJobFrom(row.Scan)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func scanJobFrom(scan func(dest ...any) error) (*domain.Job, error) {
	var job domain.Job
	var kind, status string
	if err := scan(
		&job.ID,
		&job.AccountID,
		&kind,
		&job.ProviderName,
		&job.ModelName,
		&job.ExternalRequestID,
		&status,
		&job.RequestJSON,
		&job.ResultArtifactURL,
		&job.StorageURL,
		&job.ErrorMessage,
		&job.CreditCost,
		&job.CreditRefunded,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	return &job, nil
}
