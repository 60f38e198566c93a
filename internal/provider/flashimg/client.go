package flashimg

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

	"mediaforge/internal/provider"
)

const Name = "flashimg"

// Options configures the FlashImg client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Client talks to the FlashImg generation API. Unlike the async providers
// it answers within the request: Submit returns the finished result
// inline, which the orchestrator feeds through the same completion pipeline
// as a webhook or poll result.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

type generationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Error string `json:"error,omitempty"`
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.flashimg.dev/v1"
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *Client) Name() string {
	return Name
}

// Submit generates synchronously and returns the result inline alongside
// the generation id.
func (c *Client) Submit(ctx context.Context, req provider.Request) (string, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, errors.New("flashimg: api key is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", nil, errors.New("flashimg: prompt is required")
	}
	payload := generationRequest{
		Model:          req.Model,
		Prompt:         prompt,
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		Width:          req.Width,
		Height:         req.Height,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("flashimg: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generations", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("flashimg: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, _, err := c.do(httpReq)
	if err != nil {
		return "", nil, err
	}
	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", nil, fmt.Errorf("flashimg: decode response: %w", err)
	}
	if decoded.ID == "" {
		return "", nil, errors.New("flashimg: response missing generation id")
	}
	if decoded.Error != "" {
		return "", nil, fmt.Errorf("flashimg: %s", decoded.Error)
	}
	return decoded.ID, &provider.RawResult{Payload: raw}, nil
}

// PollStatus refetches a past generation. FlashImg retains finished
// generations for a retention window; a 404 after that window is an
// unambiguous not-found.
func (c *Client) PollStatus(ctx context.Context, externalID string) (provider.PollState, *provider.RawResult, error) {
	if c.apiKey == "" {
		return "", nil, errors.New("flashimg: api key is required")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generations/"+externalID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("flashimg: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, status, err := c.do(httpReq)
	if err != nil {
		if status == http.StatusNotFound {
			return "", nil, fmt.Errorf("flashimg: generation %s: %w", externalID, provider.ErrTaskNotFound)
		}
		return "", nil, err
	}
	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", nil, fmt.Errorf("flashimg: decode response: %w", err)
	}
	switch decoded.Status {
	case "failed":
		return provider.StateFailed, &provider.RawResult{Payload: raw, ErrorMessage: decoded.Error}, nil
	case "pending":
		return provider.StateQueued, nil, nil
	default:
		return provider.StateCompleted, &provider.RawResult{Payload: raw}, nil
	}
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("flashimg: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("flashimg: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var decoded generationResponse
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			return nil, resp.StatusCode, fmt.Errorf("flashimg: %s", decoded.Error)
		}
		return nil, resp.StatusCode, fmt.Errorf("flashimg: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, resp.StatusCode, nil
}

var _ provider.Adapter = (*Client)(nil)
