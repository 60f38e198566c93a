package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"mediaforge/internal/domain"
	"mediaforge/internal/ledger"
	"mediaforge/internal/pipeline"
	"mediaforge/internal/provider"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/store"
)

const (
	testAccountID = "0d9e2c71-4b6a-4f38-9e52-a713c8d64f20"
	testJobID     = "5f4c1a6e-9d2b-4e7f-a301-8c6d2f9b1e44"
)

// stubDB routes statements by fragment so each test declares exactly the
// writes it expects.
type stubDB struct {
	mu       sync.Mutex
	tags     map[string]pgconn.CommandTag
	rowScans map[string]func(dest ...any) error
	rows     pgx.Rows
	executed []string
}

func newStubDB() *stubDB {
	return &stubDB{
		tags:     make(map[string]pgconn.CommandTag),
		rowScans: make(map[string]func(dest ...any) error),
	}
}

func (s *stubDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, query)
	for fragment, tag := range s.tags {
		if strings.Contains(query, fragment) {
			return tag, nil
		}
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", firstLine(query))
}

func (s *stubDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fragment, scan := range s.rowScans {
		if strings.Contains(query, fragment) {
			return stubRow{scan: scan}
		}
	}
	return stubRow{scan: func(dest ...any) error {
		return fmt.Errorf("unexpected query_row: %s", firstLine(query))
	}}
}

func (s *stubDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	if s.rows == nil {
		return nil, fmt.Errorf("unexpected query: %s", firstLine(query))
	}
	return s.rows, nil
}

func (s *stubDB) executedMatching(fragment string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, query := range s.executed {
		if strings.Contains(query, fragment) {
			count++
		}
	}
	return count
}

func firstLine(query string) string {
	if idx := strings.IndexByte(query, '\n'); idx >= 0 {
		return query[:idx]
	}
	return query
}

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error { return r.scan(dest...) }

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return pgx.ErrNoRows }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

// scanJobRow fills the select-job column list with a fixed row.
func scanJobRow(status domain.JobStatus, externalID string) func(dest ...any) error {
	return func(dest ...any) error {
		now := time.Now()
		*dest[0].(*string) = testJobID
		*dest[1].(*string) = testAccountID
		*dest[2].(*string) = "image"
		*dest[3].(*string) = "dashscope"
		*dest[4].(*string) = "wanx-turbo"
		*dest[5].(*string) = externalID
		*dest[6].(*string) = string(status)
		*dest[7].(*json.RawMessage) = json.RawMessage(`{"prompt":"a cat"}`)
		*dest[8].(*string) = ""
		*dest[9].(*string) = ""
		*dest[10].(*string) = ""
		*dest[11].(*int) = 5
		*dest[12].(*bool) = false
		*dest[13].(*time.Time) = now
		*dest[14].(*time.Time) = now
		*dest[15].(**time.Time) = nil
		return nil
	}
}

type memStore struct {
	mu   sync.Mutex
	keys []string
}

func (m *memStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "https://store.example.com/" + key, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, payload any) {}

// testAdapter is configurable per test and implements both the submit and
// webhook surfaces.
type testAdapter struct {
	name        string
	submitID    string
	submitRaw   *provider.RawResult
	submitErr   error
	lastRequest provider.Request

	webhookID    string
	webhookState provider.PollState
	webhookRaw   *provider.RawResult
	webhookErr   error
}

func (a *testAdapter) Name() string { return a.name }

func (a *testAdapter) Submit(ctx context.Context, req provider.Request) (string, *provider.RawResult, error) {
	a.lastRequest = req
	return a.submitID, a.submitRaw, a.submitErr
}

func (a *testAdapter) PollStatus(ctx context.Context, externalID string) (provider.PollState, *provider.RawResult, error) {
	return provider.StateRunning, nil, nil
}

func (a *testAdapter) ParseWebhook(body []byte) (string, provider.PollState, *provider.RawResult, error) {
	if a.webhookErr != nil {
		return "", "", nil, a.webhookErr
	}
	return a.webhookID, a.webhookState, a.webhookRaw, nil
}

func newTestApp(t *testing.T, db *stubDB, adapter *testAdapter) (*App, *memStore) {
	t.Helper()
	logger := zerolog.New(io.Discard)

	registry := provider.NewRegistry()
	registry.Register("wanx-turbo", adapter, provider.Defaults{
		ProviderModel: "wanx2.1-t2i-turbo",
		Kind:          domain.JobKindImage,
		CreditCost:    5,
		Timeout:       10 * time.Minute,
		BaseSize:      1024,
	})

	jobs := store.NewJobs(db)
	creditLedger := ledger.New(db)
	objects := &memStore{}
	completer := pipeline.NewCompleter(jobs, creditLedger, objects, nopPublisher{}, logger)
	sweeper := reconcile.NewSweeper(jobs, registry, completer, logger)

	return NewApp(jobs, creditLedger, registry, completer, sweeper, logger), objects
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
