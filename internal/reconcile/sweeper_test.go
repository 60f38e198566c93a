package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediaforge/internal/domain"
	"mediaforge/internal/provider"
)

type fakeLister struct {
	jobs []domain.Job
	err  error
}

func (f *fakeLister) ListUnresolved(ctx context.Context, limit int) ([]domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.jobs) {
		return f.jobs[:limit], nil
	}
	return f.jobs, nil
}

type pollResult struct {
	state provider.PollState
	raw   *provider.RawResult
	err   error
}

type fakeAdapter struct {
	name  string
	polls map[string]pollResult
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Submit(ctx context.Context, req provider.Request) (string, *provider.RawResult, error) {
	return "", nil, fmt.Errorf("not used")
}

func (f *fakeAdapter) PollStatus(ctx context.Context, externalID string) (provider.PollState, *provider.RawResult, error) {
	r, ok := f.polls[externalID]
	if !ok {
		return provider.StateFailed, nil, provider.ErrTaskNotFound
	}
	return r.state, r.raw, r.err
}

type fakeResolver struct {
	adapters map[string]provider.Adapter
	timeout  time.Duration
}

func (f *fakeResolver) AdapterFor(providerName string) (provider.Adapter, bool) {
	a, ok := f.adapters[providerName]
	return a, ok
}

func (f *fakeResolver) TimeoutFor(job *domain.Job) time.Duration { return f.timeout }

type fakeCompleter struct {
	mu          sync.Mutex
	completed   []string
	failed      map[string]string
	completeErr error
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{failed: make(map[string]string)}
}

func (f *fakeCompleter) Complete(ctx context.Context, job *domain.Job, raw *provider.RawResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, job.ID)
	return nil
}

func (f *fakeCompleter) FailJob(ctx context.Context, job *domain.Job, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[job.ID] = message
}

func processingJob(id, providerName, externalID string, age time.Duration, now time.Time) domain.Job {
	createdAt := now.Add(-age)
	return domain.Job{
		ID:                id,
		AccountID:         "acct-1",
		Kind:              domain.JobKindImage,
		ProviderName:      providerName,
		ModelName:         "wanx-turbo",
		ExternalRequestID: externalID,
		Status:            domain.JobStatusProcessing,
		CreatedAt:         createdAt,
	}
}

func newTestSweeper(lister *fakeLister, resolver *fakeResolver, completer *fakeCompleter, now time.Time) *Sweeper {
	s := NewSweeper(lister, resolver, completer, zerolog.New(io.Discard))
	s.now = func() time.Time { return now }
	return s
}

func TestSweepCompletesFinishedJob(t *testing.T) {
	now := time.Now()
	raw := &provider.RawResult{Payload: []byte(`{"url":"https://x/a.png"}`)}
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateCompleted, raw: raw},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, err := sweeper.Sweep(context.Background(), 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Checked != 1 || summary.Completed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(completer.completed) != 1 || completer.completed[0] != "job-1" {
		t.Fatalf("completed = %v", completer.completed)
	}
}

func TestSweepFailsJobOnProviderFailure(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateFailed, raw: &provider.RawResult{ErrorMessage: "content policy violation"}},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if completer.failed["job-1"] != "content policy violation" {
		t.Fatalf("failure message = %q", completer.failed["job-1"])
	}
}

func TestSweepLeavesRunningJobAlone(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateRunning},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.StillProcessing != 1 || summary.Completed != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(completer.completed) != 0 || len(completer.failed) != 0 {
		t.Fatalf("unexpected transitions: %v %v", completer.completed, completer.failed)
	}
}

func TestSweepPromotesTimedOutRunningJob(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateRunning},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Hour, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if !strings.Contains(completer.failed["job-1"], "timed out") {
		t.Fatalf("failure message = %q", completer.failed["job-1"])
	}
}

func TestSweepTransientCompletionErrorLeavesJobProcessing(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateCompleted, raw: &provider.RawResult{Payload: []byte(`{"url":"https://x/a.png"}`)}},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	completer.completeErr = fmt.Errorf("terminal write: connection reset")
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.StillProcessing != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSweepFatalCompletionErrorCountsFailed(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {state: provider.StateCompleted, raw: &provider.RawResult{Payload: []byte(`{}`)}},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	completer.completeErr = fmt.Errorf("job job-1: %w", domain.ErrMissingArtifact)
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Failed != 1 || summary.StillProcessing != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSweepFailsOnTaskNotFound(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-gone", time.Minute, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if !strings.Contains(completer.failed["job-1"], "task-gone") {
		t.Fatalf("failure message = %q", completer.failed["job-1"])
	}
}

func TestSweepRetriesTransientPollError(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-1": {err: fmt.Errorf("connection refused")},
	}}
	lister := &fakeLister{jobs: []domain.Job{processingJob("job-1", "dashscope", "task-1", time.Minute, now)}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.StillProcessing != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(completer.failed) != 0 {
		t.Fatalf("unexpected failures: %v", completer.failed)
	}
}

func TestSweepPendingJobAgesOutWithoutPolling(t *testing.T) {
	now := time.Now()
	young := processingJob("job-young", "dashscope", "", time.Minute, now)
	young.Status = domain.JobStatusPending
	stale := processingJob("job-stale", "dashscope", "", time.Hour, now)
	stale.Status = domain.JobStatusPending

	lister := &fakeLister{jobs: []domain.Job{young, stale}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Checked != 2 || summary.Failed != 1 || summary.StillProcessing != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, ok := completer.failed["job-stale"]; !ok {
		t.Fatalf("stale pending job not failed: %v", completer.failed)
	}
	if _, ok := completer.failed["job-young"]; ok {
		t.Fatalf("young pending job failed early")
	}
}

func TestSweepJobsAreIndependent(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{name: "dashscope", polls: map[string]pollResult{
		"task-ok":     {state: provider.StateCompleted, raw: &provider.RawResult{Payload: []byte(`{"url":"https://x/a.png"}`)}},
		"task-broken": {err: fmt.Errorf("gateway timeout")},
	}}
	lister := &fakeLister{jobs: []domain.Job{
		processingJob("job-ok", "dashscope", "task-ok", time.Minute, now),
		processingJob("job-broken", "dashscope", "task-broken", time.Minute, now),
	}}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{"dashscope": adapter}, timeout: 10 * time.Minute}, completer, now)

	summary, _ := sweeper.Sweep(context.Background(), 50)
	if summary.Completed != 1 || summary.StillProcessing != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(completer.completed) != 1 || completer.completed[0] != "job-ok" {
		t.Fatalf("completed = %v", completer.completed)
	}
}

func TestSweepRespectsBatchLimit(t *testing.T) {
	now := time.Now()
	var jobs []domain.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, processingJob(fmt.Sprintf("job-%d", i), "dashscope", "", time.Minute, now))
	}
	lister := &fakeLister{jobs: jobs}
	completer := newFakeCompleter()
	sweeper := newTestSweeper(lister, &fakeResolver{adapters: map[string]provider.Adapter{}, timeout: 10 * time.Minute}, completer, now)

	summary, err := sweeper.Sweep(context.Background(), 3)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Checked != 3 {
		t.Fatalf("checked = %d, want 3", summary.Checked)
	}
}
