// package providers defines interface Provider for judging answers via HTTP inference APIs
//
// Gemini, OpenAI-compatible endpoints, Anthropic
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/shared"
)

// Judgment is one provider verdict for a task.
type Judgment struct {
	Verdict   models.Verdict
	Rationale string
}

// Provider defines the capability set the dispatch core needs from an
// inference service. The API key for each call comes from the channel's
// credential pool.
type Provider interface {
	// Evaluate judges whether the task's candidate answer is semantically
	// consistent with its reference text.
	Evaluate(ctx context.Context, apiKey string, task models.Task) (*Judgment, error)

	// Probe validates a credential with a lightweight request before it is
	// offered for task traffic.
	Probe(ctx context.Context, apiKey string) error

	// ListModels returns the models the credential can access.
	ListModels(ctx context.Context, apiKey string) ([]string, error)

	// Name returns the provider identifier (e.g. "gemini", "openai")
	Name() string
}

// New creates a provider by identifier. The base URL may be empty to use the
// provider's public endpoint; httpClient may be nil to use a default with a
// conservative timeout.
func New(id, model, baseURL string, httpClient *http.Client) (Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	switch id {
	case "gemini":
		return NewGeminiProvider(model, baseURL, httpClient), nil
	case "openai", "iflow":
		return NewOpenAIProvider(id, model, baseURL, httpClient), nil
	case "anthropic":
		return NewAnthropicProvider(model, baseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", shared.ErrInvalidConfig, id)
	}
}

// buildPrompt renders the judgment instruction for one task. Providers are
// asked for a bare JSON object so parseJudgment can interpret the reply.
func buildPrompt(task models.Task) string {
	return fmt.Sprintf(`Judge whether the candidate answer below is semantically consistent with the reference text.
The answer is consistent if its content can be inferred from the reference text or agrees with the reference's core information.
The answer is inconsistent if it contradicts the reference text, or asserts information the reference does not contain and that cannot reasonably be inferred.

Reply with a JSON object containing two fields:
- "result": "yes" or "no"
- "reason": the detailed basis for your judgment

Question: %s
Candidate answer: %s
Reference text:
---
%s
---

Reply with the JSON object only.`, task.Question, task.CandidateAnswer, task.ReferenceText)
}

// judgmentPayload is the wire format every provider is prompted to return.
type judgmentPayload struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// parseJudgment interprets a model reply as a judgment. Code fences are
// stripped first; an unparseable reply or unknown result value is a
// [FormatError].
func parseJudgment(provider, raw string) (*Judgment, error) {
	text := stripCodeFence(strings.TrimSpace(raw))

	var payload judgmentPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, &FormatError{Provider: provider, Raw: raw, Err: err}
	}

	verdict, ok := verdictFromResult(payload.Result)
	if !ok {
		return nil, &FormatError{
			Provider: provider,
			Raw:      raw,
			Err:      fmt.Errorf("unknown result value %q", payload.Result),
		}
	}

	return &Judgment{Verdict: verdict, Rationale: strings.TrimSpace(payload.Reason)}, nil
}

// stripCodeFence removes a surrounding markdown code fence, with or without a
// language tag.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") {
		return text
	}
	trimmed := strings.TrimSuffix(text, "```")
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// verdictFromResult maps the result vocabulary to a verdict. Both English and
// Chinese replies are accepted.
func verdictFromResult(result string) (models.Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "yes", "是":
		return models.VerdictMatch, true
	case "no", "否":
		return models.VerdictMismatch, true
	default:
		return "", false
	}
}
