package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaforge/internal/infra"
	"mediaforge/internal/provider"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("dashscope: api key is required")

const Name = "dashscope"

// Options configures the DashScope image-synthesis client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to the DashScope asynchronous image-synthesis API. A
// submission returns a task id immediately; the task is then polled (or
// reported via webhook) until it reaches SUCCEEDED or FAILED.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	RefImage       string `json:"ref_img,omitempty"`
}

type synthesisParams struct {
	Size string `json:"size,omitempty"`
	N    int    `json:"n,omitempty"`
}

type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL string `json:"url"`
		} `json:"results"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// webhookEvent is the payload DashScope posts to a configured callback URL
// when a task finishes.
type webhookEvent struct {
	TaskID     string          `json:"task_id"`
	TaskStatus string          `json:"task_status"`
	Output     json.RawMessage `json:"output"`
	Message    string          `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
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

// Name identifies the provider for routing and the external-id join key.
func (c *Client) Name() string {
	return Name
}

// Submit enqueues an asynchronous image-synthesis task and returns its task
// id. DashScope never answers synchronously, so the immediate result is
// always nil.
func (c *Client) Submit(ctx context.Context, req provider.Request) (string, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", nil, errors.New("dashscope: prompt is required")
	}
	payload := synthesisRequest{
		Model: req.Model,
		Input: synthesisInput{
			Prompt:         prompt,
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		},
		Parameters: synthesisParams{N: 1},
	}
	if len(req.ReferenceURLs) > 0 {
		payload.Input.RefImage = req.ReferenceURLs[0]
	}
	if req.Width > 0 && req.Height > 0 {
		payload.Parameters.Size = fmt.Sprintf("%d*%d", req.Width, req.Height)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("dashscope: encode request: %w", err)
	}
	endpoint := c.baseURL + "/services/aigc/text2image/image-synthesis"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("dashscope: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-DashScope-Async", "enable")

	decoded, err := c.do(httpReq)
	if err != nil {
		return "", nil, err
	}
	taskID := strings.TrimSpace(decoded.Output.TaskID)
	if taskID == "" {
		return "", nil, errors.New("dashscope: submission accepted without task id")
	}
	c.logger.Debug().
		Str("model", req.Model).
		Str("task_id", taskID).
		Str("request_id", decoded.RequestID).
		Msg("dashscope: task submitted")
	return taskID, nil, nil
}

// PollStatus queries the task endpoint and normalizes its status.
func (c *Client) PollStatus(ctx context.Context, externalID string) (provider.PollState, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/tasks/" + externalID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("dashscope: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("dashscope: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("dashscope: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", nil, fmt.Errorf("dashscope: task %s: %w", externalID, provider.ErrTaskNotFound)
	}
	if resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("dashscope: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", nil, fmt.Errorf("dashscope: decode response: %w", err)
	}

	switch strings.ToUpper(decoded.Output.TaskStatus) {
	case "PENDING":
		return provider.StateQueued, nil, nil
	case "RUNNING":
		return provider.StateRunning, nil, nil
	case "SUCCEEDED":
		return provider.StateCompleted, &provider.RawResult{Payload: raw}, nil
	case "FAILED", "CANCELED":
		msg := decoded.Output.Message
		if msg == "" {
			msg = decoded.Message
		}
		return provider.StateFailed, &provider.RawResult{Payload: raw, ErrorMessage: msg}, nil
	case "UNKNOWN":
		// DashScope reports UNKNOWN when the task has expired server-side.
		return "", nil, fmt.Errorf("dashscope: task %s expired: %w", externalID, provider.ErrTaskNotFound)
	default:
		return provider.StateRunning, nil, nil
	}
}

// ParseWebhook extracts the task id and outcome from a callback payload.
func (c *Client) ParseWebhook(body []byte) (string, provider.PollState, *provider.RawResult, error) {
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return "", "", nil, fmt.Errorf("dashscope: decode webhook: %w", err)
	}
	taskID := strings.TrimSpace(event.TaskID)
	if taskID == "" {
		return "", "", nil, errors.New("dashscope: webhook missing task id")
	}
	switch strings.ToUpper(event.TaskStatus) {
	case "SUCCEEDED":
		payload := event.Output
		if len(payload) == 0 {
			payload = body
		}
		return taskID, provider.StateCompleted, &provider.RawResult{Payload: payload}, nil
	case "FAILED", "CANCELED":
		return taskID, provider.StateFailed, &provider.RawResult{Payload: body, ErrorMessage: event.Message}, nil
	default:
		return taskID, provider.StateRunning, nil, nil
	}
}

func (c *Client) do(req *http.Request) (*taskResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashscope: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var decoded taskResponse
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Message != "" {
			return nil, fmt.Errorf("dashscope: %s (%s)", decoded.Message, decoded.Code)
		}
		return nil, fmt.Errorf("dashscope: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("dashscope: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("dashscope: %s (%s)", decoded.Message, decoded.Code)
	}
	return &decoded, nil
}

var (
	_ provider.Adapter       = (*Client)(nil)
	_ provider.WebhookParser = (*Client)(nil)
)
