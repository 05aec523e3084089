// OpenAI-compatible implementation of [Provider]
//
// Covers api.openai.com and compatible gateways (e.g. iFlow) that speak the
// chat-completions wire format behind a configurable base URL.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MisonL/semantic-tester/internal/models"
	"golang.org/x/oauth2"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements [Provider] for chat-completions endpoints.
// Bearer authentication is handled by an [oauth2] static token client built
// around whichever credential the pool selected for the call.
type OpenAIProvider struct {
	id         string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a chat-completions provider. id distinguishes
// gateways that share the wire format ("openai", "iflow"); baseURL may be
// empty to use the public OpenAI endpoint.
func NewOpenAIProvider(id, model, baseURL string, httpClient *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAIProvider{
		id:         id,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) Name() string { return p.id }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Evaluate judges the task with a single-turn chat completion at temperature 0.
func (p *OpenAIProvider) Evaluate(ctx context.Context, apiKey string, task models.Task) (*Judgment, error) {
	reqBody := chatCompletionRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: buildPrompt(task)}},
		Temperature: 0,
	}

	var resp chatCompletionResponse
	if err := p.doRequest(ctx, apiKey, http.MethodPost, "/chat/completions", reqBody, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, &FormatError{Provider: p.Name(), Err: fmt.Errorf("empty response")}
	}

	return parseJudgment(p.Name(), resp.Choices[0].Message.Content)
}

// Probe validates a key against the models endpoint.
func (p *OpenAIProvider) Probe(ctx context.Context, apiKey string) error {
	return p.doRequest(ctx, apiKey, http.MethodGet, "/models", nil, nil)
}

// ListModels returns the model identifiers the key can access.
func (p *OpenAIProvider) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	var list openAIModelList
	if err := p.doRequest(ctx, apiKey, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// client wraps the base HTTP client with Bearer auth for the selected key.
func (p *OpenAIProvider) client(ctx context.Context, apiKey string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = p.httpClient.Timeout
	return client
}

// doRequest performs an authenticated request and classifies failures into
// typed provider errors.
func (p *OpenAIProvider) doRequest(ctx context.Context, apiKey, method, endpoint string, body, result any) error {
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
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client(ctx, apiKey).Do(req)
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
