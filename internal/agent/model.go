package agent

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

	"github.com/zulandar/vibeyard/internal/tools"
	"github.com/zulandar/vibeyard/internal/transcript"
)

// ErrModelRequest is returned when the model endpoint answers with a
// non-2xx status.
var ErrModelRequest = errors.New("agent: model request failed")

// Model produces the next assistant step for a conversation.
type Model interface {
	Step(ctx context.Context, req StepRequest) (StepResponse, error)
}

// StepRequest is everything the model sees for one step.
type StepRequest struct {
	System   string               `json:"system,omitempty"`
	Messages []transcript.Message `json:"messages"`
	Tools    []tools.Definition   `json:"tools"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// StepResponse is the model's output for one step. A response without
// tool calls ends the turn.
type StepResponse struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

const defaultModelTimeout = 2 * time.Minute

// maxErrorBody caps how much of a failed response body ends up in errors.
const maxErrorBody = 512

// HTTPModel calls a model gateway that accepts a StepRequest as JSON and
// answers with a StepResponse.
type HTTPModel struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPModel returns a Model posting to endpoint. A zero timeout uses
// the default of two minutes.
func NewHTTPModel(endpoint string, timeout time.Duration) (*HTTPModel, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("agent: model endpoint is required")
	}
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	return &HTTPModel{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Step implements Model.
func (m *HTTPModel) Step(ctx context.Context, req StepRequest) (StepResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return StepResponse{}, fmt.Errorf("agent: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return StepResponse{}, fmt.Errorf("agent: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return StepResponse{}, fmt.Errorf("agent: model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return StepResponse{}, fmt.Errorf("%w: %d - %s", ErrModelRequest, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out StepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StepResponse{}, fmt.Errorf("agent: decode response: %w", err)
	}
	return out, nil
}
