// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/providers"
)

// MockProvider is a scriptable test double for [providers.Provider].
//
// EvaluateFunc and ProbeFunc are invoked when set; the zero value answers
// every call with a match verdict and a passing probe.
type MockProvider struct {
	EvaluateFunc func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error)
	ProbeFunc    func(ctx context.Context, apiKey string) error

	mu       sync.Mutex
	evals    int
	probes   int
	keysSeen []string
}

func (m *MockProvider) Evaluate(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
	m.mu.Lock()
	m.evals++
	m.keysSeen = append(m.keysSeen, apiKey)
	m.mu.Unlock()

	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, apiKey, task)
	}
	return &providers.Judgment{Verdict: models.VerdictMatch, Rationale: "mock"}, nil
}

func (m *MockProvider) Probe(ctx context.Context, apiKey string) error {
	m.mu.Lock()
	m.probes++
	m.mu.Unlock()

	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, apiKey)
	}
	return nil
}

func (m *MockProvider) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (m *MockProvider) Name() string { return "mock" }

// Evaluations returns how many times Evaluate has been called.
func (m *MockProvider) Evaluations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evals
}

// Probes returns how many times Probe has been called.
func (m *MockProvider) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// KeysSeen returns the API keys passed to Evaluate, in call order.
func (m *MockProvider) KeysSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keysSeen...)
}

// MemorySink collects outcomes in memory for dispatcher tests. FailAfter
// limits successful writes when positive; further writes return an error.
type MemorySink struct {
	FailAfter int

	mu       sync.Mutex
	outcomes map[string]models.Outcome
	order    []string
	writes   int
}

func (s *MemorySink) Write(outcome models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAfter > 0 && s.writes >= s.FailAfter {
		return errors.New("sink write failed")
	}
	s.writes++

	if s.outcomes == nil {
		s.outcomes = map[string]models.Outcome{}
	}
	if _, exists := s.outcomes[outcome.TaskID]; !exists {
		s.order = append(s.order, outcome.TaskID)
	}
	s.outcomes[outcome.TaskID] = outcome
	return nil
}

// Outcome returns the stored outcome for a task ID, if any.
func (s *MemorySink) Outcome(taskID string) (models.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.outcomes[taskID]
	return outcome, ok
}

// Len returns the number of distinct tasks written.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

// Order returns task IDs in first-write order.
func (s *MemorySink) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}
