package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaforge/internal/domain"
	"mediaforge/internal/infra"
	"mediaforge/internal/provider"
)

const sweepParallelism = 8

// JobLister loads jobs still awaiting a terminal state, oldest first.
type JobLister interface {
	ListUnresolved(ctx context.Context, limit int) ([]domain.Job, error)
}

// AdapterResolver routes a job back to the adapter that owns it and knows
// its staleness threshold.
type AdapterResolver interface {
	AdapterFor(providerName string) (provider.Adapter, bool)
	TimeoutFor(job *domain.Job) time.Duration
}

// CompletionRunner is the completion pipeline surface the sweeper drives.
type CompletionRunner interface {
	Complete(ctx context.Context, job *domain.Job, raw *provider.RawResult) error
	FailJob(ctx context.Context, job *domain.Job, message string)
}

// Summary reports what one sweep did.
type Summary struct {
	Checked         int `json:"checked"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	StillProcessing int `json:"still_processing"`
}

// Sweeper is the polling side of the reconciliation race. On each Sweep it
// loads a bounded batch of unresolved jobs, asks each owning provider for
// status, and either completes, fails, or leaves each job for the next
// pass. Jobs are handled independently: one provider hanging or erroring
// never blocks the rest of the batch.
type Sweeper struct {
	jobs      JobLister
	registry  AdapterResolver
	completer CompletionRunner
	logger    infra.Logger
	now       func() time.Time
}

func NewSweeper(jobs JobLister, registry AdapterResolver, completer CompletionRunner, logger infra.Logger) *Sweeper {
	return &Sweeper{
		jobs:      jobs,
		registry:  registry,
		completer: completer,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep runs one reconciliation pass over at most maxBatch jobs.
func (s *Sweeper) Sweep(ctx context.Context, maxBatch int) (Summary, error) {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	jobs, err := s.jobs.ListUnresolved(ctx, maxBatch)
	if err != nil {
		return Summary{}, fmt.Errorf("load unresolved jobs: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Checked: len(jobs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			outcome := s.reconcileJob(gctx, &job)
			mu.Lock()
			switch outcome {
			case outcomeCompleted:
				summary.Completed++
			case outcomeFailed:
				summary.Failed++
			default:
				summary.StillProcessing++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int("checked", summary.Checked).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("still_processing", summary.StillProcessing).
		Msg("reconcile: sweep finished")
	return summary, nil
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeFailed
)

func (s *Sweeper) reconcileJob(ctx context.Context, job *domain.Job) outcome {
	// Jobs that never got an external id cannot be polled; they resolve
	// only by aging out.
	if job.Status == domain.JobStatusPending || job.ExternalRequestID == "" {
		return s.checkTimeout(ctx, job)
	}

	adapter, ok := s.registry.AdapterFor(job.ProviderName)
	if !ok {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("provider", job.ProviderName).
			Msg("reconcile: no adapter for provider")
		return s.checkTimeout(ctx, job)
	}

	state, raw, err := adapter.PollStatus(ctx, job.ExternalRequestID)
	if err != nil {
		if errors.Is(err, provider.ErrTaskNotFound) {
			s.completer.FailJob(ctx, job, fmt.Sprintf("provider no longer knows request %s", job.ExternalRequestID))
			return outcomeFailed
		}
		// Transient: leave the job for the next sweep.
		s.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("provider", job.ProviderName).
			Msg("reconcile: poll failed")
		return outcomePending
	}

	switch state {
	case provider.StateCompleted:
		if err := s.completer.Complete(ctx, job, raw); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: completion failed")
			if errors.Is(err, domain.ErrMissingArtifact) || errors.Is(err, domain.ErrProviderFailure) {
				return outcomeFailed
			}
			// Transient terminal-write failure: the job is still
			// processing and the next sweep retries it.
			return outcomePending
		}
		return outcomeCompleted
	case provider.StateFailed:
		message := "provider reported failure"
		if raw != nil && raw.ErrorMessage != "" {
			message = raw.ErrorMessage
		}
		s.completer.FailJob(ctx, job, message)
		return outcomeFailed
	default:
		return s.checkTimeout(ctx, job)
	}
}

// checkTimeout promotes a stale job to failed. Age is measured from
// created_at wall-clock time so the decision is stable no matter how
// delayed or infrequent sweeps are.
func (s *Sweeper) checkTimeout(ctx context.Context, job *domain.Job) outcome {
	threshold := s.registry.TimeoutFor(job)
	if job.Age(s.now()) <= threshold {
		return outcomePending
	}
	s.completer.FailJob(ctx, job, fmt.Sprintf("timed out after %s", threshold))
	return outcomeFailed
}
