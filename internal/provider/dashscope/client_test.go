package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"mediaforge/internal/provider"
)

type captureTransport struct {
	lastRequest *http.Request
	lastBody    []byte
	status      int
	response    string
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.lastRequest = req
	if req.Body != nil {
		t.lastBody, _ = io.ReadAll(req.Body)
	}
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(t.response))),
		Header:     make(http.Header),
	}, nil
}

func newTestClient(t *testing.T, transport *captureTransport) *Client {
	t.Helper()
	client, err := NewClient(Options{
		APIKey:     "test-key",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitSendsAsyncSynthesisRequest(t *testing.T) {
	transport := &captureTransport{response: `{"output":{"task_id":"task-42"},"request_id":"req-1"}`}
	client := newTestClient(t, transport)

	taskID, immediate, err := client.Submit(context.Background(), provider.Request{
		Model:          "wanx2.1-t2i-turbo",
		Prompt:         "a cat on a windowsill",
		NegativePrompt: "blurry",
		Width:          1820,
		Height:         1024,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("task id = %q", taskID)
	}
	if immediate != nil {
		t.Fatalf("expected no immediate result")
	}

	req := transport.lastRequest
	if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/services/aigc/text2image/image-synthesis") {
		t.Fatalf("request = %s %s", req.Method, req.URL.Path)
	}
	if got := req.Header.Get("X-DashScope-Async"); got != "enable" {
		t.Fatalf("async header = %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
		t.Fatalf("auth header = %q", got)
	}

	var payload synthesisRequest
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Model != "wanx2.1-t2i-turbo" || payload.Input.Prompt != "a cat on a windowsill" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Parameters.Size != "1820*1024" {
		t.Fatalf("size = %q", payload.Parameters.Size)
	}
}

func TestSubmitRequiresAPIKey(t *testing.T) {
	client, err := NewClient(Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, _, err := client.Submit(context.Background(), provider.Request{Prompt: "a cat"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	client := newTestClient(t, &captureTransport{})
	if _, _, err := client.Submit(context.Background(), provider.Request{Prompt: "   "}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestSubmitSurfacesAPIError(t *testing.T) {
	transport := &captureTransport{
		status:   http.StatusBadRequest,
		response: `{"code":"InvalidParameter","message":"size not supported"}`,
	}
	client := newTestClient(t, transport)

	_, _, err := client.Submit(context.Background(), provider.Request{Prompt: "a cat"})
	if err == nil || !strings.Contains(err.Error(), "size not supported") {
		t.Fatalf("err = %v", err)
	}
}

func TestPollStatusMapping(t *testing.T) {
	cases := []struct {
		taskStatus string
		want       provider.PollState
		wantRaw    bool
	}{
		{"PENDING", provider.StateQueued, false},
		{"RUNNING", provider.StateRunning, false},
		{"SUCCEEDED", provider.StateCompleted, true},
		{"FAILED", provider.StateFailed, true},
		{"CANCELED", provider.StateFailed, true},
	}
	for _, tc := range cases {
		transport := &captureTransport{response: `{"output":{"task_id":"task-42","task_status":"` + tc.taskStatus + `"}}`}
		client := newTestClient(t, transport)

		state, raw, err := client.PollStatus(context.Background(), "task-42")
		if err != nil {
			t.Fatalf("%s: poll: %v", tc.taskStatus, err)
		}
		if state != tc.want {
			t.Fatalf("%s: state = %s, want %s", tc.taskStatus, state, tc.want)
		}
		if (raw != nil) != tc.wantRaw {
			t.Fatalf("%s: raw = %v", tc.taskStatus, raw)
		}
		if !strings.HasSuffix(transport.lastRequest.URL.Path, "/tasks/task-42") {
			t.Fatalf("%s: path = %s", tc.taskStatus, transport.lastRequest.URL.Path)
		}
	}
}

func TestPollStatusNotFound(t *testing.T) {
	transport := &captureTransport{status: http.StatusNotFound, response: `{}`}
	client := newTestClient(t, transport)

	_, _, err := client.PollStatus(context.Background(), "task-gone")
	if !errors.Is(err, provider.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestPollStatusExpiredTask(t *testing.T) {
	transport := &captureTransport{response: `{"output":{"task_id":"task-42","task_status":"UNKNOWN"}}`}
	client := newTestClient(t, transport)

	_, _, err := client.PollStatus(context.Background(), "task-42")
	if !errors.Is(err, provider.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestPollStatusFailureCarriesMessage(t *testing.T) {
	transport := &captureTransport{response: `{"output":{"task_id":"task-42","task_status":"FAILED","message":"content policy violation"}}`}
	client := newTestClient(t, transport)

	state, raw, err := client.PollStatus(context.Background(), "task-42")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if state != provider.StateFailed || raw == nil || raw.ErrorMessage != "content policy violation" {
		t.Fatalf("state = %s, raw = %+v", state, raw)
	}
}

func TestParseWebhook(t *testing.T) {
	client := newTestClient(t, &captureTransport{})

	taskID, state, raw, err := client.ParseWebhook([]byte(`{
		"task_id": "task-42",
		"task_status": "SUCCEEDED",
		"output": {"results":[{"url":"https://x/a.png"}]}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if taskID != "task-42" || state != provider.StateCompleted {
		t.Fatalf("task = %q, state = %s", taskID, state)
	}
	if raw == nil || !strings.Contains(string(raw.Payload), "https://x/a.png") {
		t.Fatalf("raw = %+v", raw)
	}

	taskID, state, raw, err = client.ParseWebhook([]byte(`{"task_id":"task-42","task_status":"FAILED","message":"quota exceeded"}`))
	if err != nil {
		t.Fatalf("parse failed event: %v", err)
	}
	if taskID != "task-42" || state != provider.StateFailed || raw.ErrorMessage != "quota exceeded" {
		t.Fatalf("task = %q, state = %s, raw = %+v", taskID, state, raw)
	}

	if _, _, _, err := client.ParseWebhook([]byte(`{"task_status":"SUCCEEDED"}`)); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if _, _, _, err := client.ParseWebhook([]byte(`garbage`)); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}
