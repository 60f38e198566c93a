package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mediaforge/internal/infra"
)

// Publisher announces job outcomes to any listening client. Delivery is
// best-effort: a failed publish is logged and never affects the job
// transition that triggered it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// WebhookPublisher POSTs each event as JSON to a configured callback URL.
type WebhookPublisher struct {
	endpoint   string
	httpClient *http.Client
	logger     infra.Logger
}

func NewWebhookPublisher(endpoint string, logger infra.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, topic string, payload any) {
	body, err := json.Marshal(map[string]any{"topic": topic, "data": payload})
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("notify: encode event failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("notify: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("notify: publish failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logger.Warn().Err(fmt.Errorf("status %d", resp.StatusCode)).Str("topic", topic).Msg("notify: publish rejected")
	}
}

// LogPublisher writes events to the service log. It is the fallback when no
// callback URL is configured.
type LogPublisher struct {
	logger infra.Logger
}

func NewLogPublisher(logger infra.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) {
	p.logger.Info().Str("topic", topic).Interface("payload", payload).Msg("notify: event")
}

var (
	_ Publisher = (*WebhookPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
)
