// Gemini implementation of [Provider]
//
// Uses the Generative Language REST API: https://ai.google.dev/api/rest
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

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider implements [Provider] against the Generative Language API.
// Authentication is per-request via the x-goog-api-key header, so one value
// serves every credential on a channel.
type GeminiProvider struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider creates a Gemini provider for the given model. baseURL may
// be empty to use the public endpoint.
func NewGeminiProvider(model, baseURL string, httpClient *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &GeminiProvider{
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Evaluate judges the task with a generateContent call at temperature 0.
func (p *GeminiProvider) Evaluate(ctx context.Context, apiKey string, task models.Task) (*Judgment, error) {
	reqBody := geminiGenerateRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: buildPrompt(task)}}}},
		GenerationConfig: geminiGenerationConfig{Temperature: 0},
	}

	var resp geminiGenerateResponse
	endpoint := fmt.Sprintf("/models/%s:generateContent", p.model)
	if err := p.doRequest(ctx, apiKey, http.MethodPost, endpoint, reqBody, &resp); err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &FormatError{Provider: p.Name(), Err: fmt.Errorf("empty response")}
	}

	return parseJudgment(p.Name(), resp.Candidates[0].Content.Parts[0].Text)
}

// Probe validates a key by fetching the configured model's metadata, the
// lightest authenticated call the API offers.
func (p *GeminiProvider) Probe(ctx context.Context, apiKey string) error {
	endpoint := fmt.Sprintf("/models/%s", p.model)
	return p.doRequest(ctx, apiKey, http.MethodGet, endpoint, nil, nil)
}

// ListModels returns the model identifiers the key can access.
func (p *GeminiProvider) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	var list geminiModelList
	if err := p.doRequest(ctx, apiKey, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

// doRequest performs an authenticated request against the Gemini API and
// classifies failures into typed provider errors.
func (p *GeminiProvider) doRequest(ctx context.Context, apiKey, method, endpoint string, body, result any) error {
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
	req.Header.Set("x-goog-api-key", apiKey)
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
