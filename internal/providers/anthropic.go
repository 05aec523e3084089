// Anthropic implementation of [Provider]
//
// Uses the Messages API: https://docs.anthropic.com/en/api/messages
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MisonL/semantic-tester/internal/models"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider implements [Provider] against the Messages API.
// Authentication is per-request via the x-api-key header.
type AnthropicProvider struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic provider for the given model.
// baseURL may be empty to use the public endpoint.
func NewAnthropicProvider(model, baseURL string, httpClient *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessageRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Evaluate judges the task with a single-turn message at temperature 0.
func (p *AnthropicProvider) Evaluate(ctx context.Context, apiKey string, task models.Task) (*Judgment, error) {
	reqBody := anthropicMessageRequest{
		Model:       p.model,
		MaxTokens:   1024,
		Temperature: 0,
		Messages:    []anthropicMessage{{Role: "user", Content: buildPrompt(task)}},
	}

	var resp anthropicMessageResponse
	if err := p.doRequest(ctx, apiKey, http.MethodPost, "/v1/messages", reqBody, &resp); err != nil {
		return nil, err
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			return parseJudgment(p.Name(), block.Text)
		}
	}
	return nil, &FormatError{Provider: p.Name(), Err: fmt.Errorf("no text content in response")}
}

// Probe validates a key against the models endpoint.
func (p *AnthropicProvider) Probe(ctx context.Context, apiKey string) error {
	return p.doRequest(ctx, apiKey, http.MethodGet, "/v1/models", nil, nil)
}

// ListModels returns the model identifiers the key can access.
func (p *AnthropicProvider) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	var list anthropicModelList
	if err := p.doRequest(ctx, apiKey, http.MethodGet, "/v1/models", nil, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// doRequest performs an authenticated request and classifies failures into
// typed provider errors.
func (p *AnthropicProvider) doRequest(ctx context.Context, apiKey, method, endpoint string, body, result any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransientError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	respBody := readBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(p.Name(), resp, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &FormatError{Provider: p.Name(), Raw: string(respBody), Err: err}
		}
	}
	return nil
}
