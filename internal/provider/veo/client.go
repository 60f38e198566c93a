package veo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaforge/internal/infra"
	"mediaforge/internal/provider"
)

const Name = "veo"

// Options configures the Veo video-generation client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client drives the Veo long-running-operation API: a submission returns an
// operation name which is polled until done. Veo does not push webhooks, so
// completion always arrives through the polling path.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParams     `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
	Image  *struct {
		URI string `json:"uri"`
	} `json:"image,omitempty"`
}

type predictParams struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	NegativePrompt  string `json:"negativePrompt,omitempty"`
}

type operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Response json.RawMessage `json:"response"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string {
	return Name
}

// Submit starts a video generation operation and returns the operation name
// as the external request id.
func (c *Client) Submit(ctx context.Context, req provider.Request) (string, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, errors.New("veo: api key is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", nil, errors.New("veo: prompt is required")
	}
	instance := predictInstance{Prompt: prompt}
	if len(req.ReferenceURLs) > 0 {
		instance.Image = &struct {
			URI string `json:"uri"`
		}{URI: req.ReferenceURLs[0]}
	}
	payload := predictRequest{
		Instances: []predictInstance{instance},
		Parameters: predictParams{
			AspectRatio:     aspectFromDimensions(req.Width, req.Height),
			DurationSeconds: req.DurationSec,
			NegativePrompt:  strings.TrimSpace(req.NegativePrompt),
		},
	}

	var op operation
	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(req.Model))
	if err := c.invoke(ctx, http.MethodPost, path, payload, &op); err != nil {
		return "", nil, err
	}
	name := strings.TrimSpace(op.Name)
	if name == "" {
		return "", nil, errors.New("veo: submission accepted without operation name")
	}
	c.logger.Debug().
		Str("model", req.Model).
		Str("operation", name).
		Msg("veo: operation started")
	return name, nil, nil
}

// PollStatus fetches the operation and normalizes its done/error state.
func (c *Client) PollStatus(ctx context.Context, externalID string) (provider.PollState, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, errors.New("veo: api key is required")
	}
	var op operation
	if err := c.invoke(ctx, http.MethodGet, "/"+strings.TrimLeft(externalID, "/"), nil, &op); err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return "", nil, fmt.Errorf("veo: operation %s: %w", externalID, provider.ErrTaskNotFound)
		}
		return "", nil, err
	}
	if !op.Done {
		return provider.StateRunning, nil, nil
	}
	if op.Error != nil {
		return provider.StateFailed, &provider.RawResult{Payload: op.Response, ErrorMessage: op.Error.Message}, nil
	}
	return provider.StateCompleted, &provider.RawResult{Payload: op.Response}, nil
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("veo: status %d: %s", e.code, e.message)
	}
	return fmt.Sprintf("veo: status %d", e.code)
}

func (c *Client) invoke(ctx context.Context, method, path string, payload, out any) error {
	endpoint := c.baseURL + path
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("veo: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("veo: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("veo: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
			return &statusError{code: resp.StatusCode, message: apiErr.Error.Message}
		}
		return &statusError{code: resp.StatusCode, message: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("veo: decode response: %w", err)
	}
	return nil
}

// aspectFromDimensions reduces shaped pixel dimensions back to the discrete
// ratios the API accepts.
func aspectFromDimensions(width, height int) string {
	switch {
	case width <= 0 || height <= 0:
		return ""
	case width > height:
		return "16:9"
	case height > width:
		return "9:16"
	default:
		return "1:1"
	}
}

var _ provider.Adapter = (*Client)(nil)
