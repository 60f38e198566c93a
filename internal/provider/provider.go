package provider

import (
	"context"
	"encoding/json"
	"errors"

	"mediaforge/internal/domain"
)

// ErrTaskNotFound indicates the provider no longer knows the external
// request id. It is the one poll error treated as fatal; everything else is
// retried on the next sweep.
var ErrTaskNotFound = errors.New("provider task not found")

// PollState is the normalized provider-side status of a submitted request.
type PollState string

const (
	StateQueued    PollState = "queued"
	StateRunning   PollState = "running"
	StateCompleted PollState = "completed"
	StateFailed    PollState = "failed"
)

// IsTerminal reports whether the provider considers the request finished.
func (s PollState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request is the normalized submission handed to an adapter. The registry
// shapes business defaults (pixel dimensions, duration clamps) before the
// adapter sees it, so adapters stay free of model-family policy.
type Request struct {
	Model          string
	Kind           domain.JobKind
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	DurationSec    int
	ReferenceURLs  []string
	Options        map[string]any
}

// RawResult carries a provider's completion payload untouched. The
// completion pipeline owns turning it into a persisted artifact; adapters
// only normalize transport.
type RawResult struct {
	Payload      json.RawMessage
	ErrorMessage string
}

// Adapter translates between the orchestrator's normalized job model and
// one external generation service.
//
// Submit returns the provider-assigned external request id. Providers that
// answer synchronously also return the result; the orchestrator pushes it
// through the same completion pipeline as an async result, so there is one
// code path regardless.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req Request) (externalID string, immediate *RawResult, err error)
	PollStatus(ctx context.Context, externalID string) (PollState, *RawResult, error)
}

// WebhookParser is implemented by adapters whose provider pushes completion
// callbacks. It extracts the join key and outcome from the provider's
// payload format.
type WebhookParser interface {
	ParseWebhook(body []byte) (externalID string, state PollState, raw *RawResult, err error)
}
