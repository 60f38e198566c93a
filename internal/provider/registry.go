package provider

import (
	"fmt"
	"time"

	"mediaforge/internal/domain"
)

// Defaults is the per-model policy the registry applies before a request
// reaches an adapter.
type Defaults struct {
	ProviderModel  string
	Kind           domain.JobKind
	CreditCost     int
	Timeout        time.Duration
	BaseSize       int
	MaxDurationSec int
}

// Params is the caller-supplied portion of a submission.
type Params struct {
	Prompt         string
	NegativePrompt string
	AspectRatio    string
	DurationSec    int
	ReferenceURLs  []string
	Options        map[string]any
}

type entry struct {
	adapter  Adapter
	defaults Defaults
}

// Registry maps logical model names to adapters plus default parameters. It
// is a static lookup table built once at startup.
type Registry struct {
	models   map[string]entry
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]entry),
		adapters: make(map[string]Adapter),
	}
}

// Register binds a logical model name to an adapter and its defaults.
func (r *Registry) Register(modelName string, adapter Adapter, defaults Defaults) {
	r.models[modelName] = entry{adapter: adapter, defaults: defaults}
	r.adapters[adapter.Name()] = adapter
}

// Resolve returns the adapter owning modelName along with its defaults.
func (r *Registry) Resolve(modelName string) (Adapter, Defaults, error) {
	e, ok := r.models[modelName]
	if !ok {
		return nil, Defaults{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedModel, modelName)
	}
	return e.adapter, e.defaults, nil
}

// AdapterFor returns the adapter registered under a provider name. The
// webhook receiver and the reconciler use it to route by the job's
// provider_name column.
func (r *Registry) AdapterFor(providerName string) (Adapter, bool) {
	a, ok := r.adapters[providerName]
	return a, ok
}

// TimeoutFor returns the staleness threshold for a job. Models carry their
// own threshold; jobs whose model has since been unregistered fall back to
// a per-kind default.
func (r *Registry) TimeoutFor(job *domain.Job) time.Duration {
	if e, ok := r.models[job.ModelName]; ok && e.defaults.Timeout > 0 {
		return e.defaults.Timeout
	}
	if job.Kind == domain.JobKindVideo {
		return 30 * time.Minute
	}
	return 10 * time.Minute
}

// Shape folds caller parameters into the model defaults, producing the
// normalized request handed to the adapter. Aspect ratios become pixel
// dimensions here and video durations are clamped, keeping adapters free of
// business-specific defaults.
func Shape(defaults Defaults, params Params) Request {
	width, height := dimensionsFor(params.AspectRatio, defaults.BaseSize)

	duration := params.DurationSec
	if defaults.Kind == domain.JobKindVideo {
		if duration <= 0 {
			duration = defaults.MaxDurationSec
		}
		if defaults.MaxDurationSec > 0 && duration > defaults.MaxDurationSec {
			duration = defaults.MaxDurationSec
		}
	} else {
		duration = 0
	}

	return Request{
		Model:          defaults.ProviderModel,
		Kind:           defaults.Kind,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Width:          width,
		Height:         height,
		DurationSec:    duration,
		ReferenceURLs:  params.ReferenceURLs,
		Options:        params.Options,
	}
}

// dimensionsFor converts an aspect ratio to pixel dimensions around a model
// family's base edge. Unknown ratios fall back to square.
func dimensionsFor(aspect string, base int) (int, int) {
	if base <= 0 {
		base = 1024
	}
	switch aspect {
	case "16:9":
		return base * 16 / 9, base
	case "9:16":
		return base, base * 16 / 9
	case "4:3":
		return base * 4 / 3, base
	case "3:4":
		return base, base * 4 / 3
	default:
		return base, base
	}
}
