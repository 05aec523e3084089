package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MisonL/semantic-tester/internal/models"
)

func geminiReply(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": text}},
				},
			},
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Fatalf("failed to encode reply: %v", err)
	}
}

func testTask() models.Task {
	return models.Task{
		ID:              "t1",
		Question:        "capital of France?",
		CandidateAnswer: "Paris",
		ReferenceText:   "Paris is the capital of France.",
	}
}

func TestGeminiEvaluate(t *testing.T) {
	t.Run("Match", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
				t.Errorf("api key header = %q, want test-key", got)
			}
			if r.URL.Path != "/models/test-model:generateContent" {
				t.Errorf("path = %s", r.URL.Path)
			}
			geminiReply(t, w, `{"result": "yes", "reason": "consistent"}`)
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		judgment, err := p.Evaluate(context.Background(), "test-key", testTask())
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if judgment.Verdict != models.VerdictMatch {
			t.Errorf("verdict = %s, want %s", judgment.Verdict, models.VerdictMatch)
		}
		if judgment.Rationale != "consistent" {
			t.Errorf("rationale = %q, want consistent", judgment.Rationale)
		}
	})

	t.Run("FencedReply", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			geminiReply(t, w, "```json\n{\"result\": \"no\", \"reason\": \"contradiction\"}\n```")
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		judgment, err := p.Evaluate(context.Background(), "test-key", testTask())
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if judgment.Verdict != models.VerdictMismatch {
			t.Errorf("verdict = %s, want %s", judgment.Verdict, models.VerdictMismatch)
		}
	})

	t.Run("EmptyCandidates", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates": []}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		_, err := p.Evaluate(context.Background(), "test-key", testTask())

		var formatErr *FormatError
		if !errors.As(err, &formatErr) {
			t.Fatalf("expected FormatError, got %v", err)
		}
	})

	t.Run("RateLimited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"details": [{"retryDelay": "10s"}]}}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		_, err := p.Evaluate(context.Background(), "test-key", testTask())

		var rateErr *RateLimitError
		if !errors.As(err, &rateErr) {
			t.Fatalf("expected RateLimitError, got %v", err)
		}
		if rateErr.RetryAfter <= 0 {
			t.Error("expected a retry hint from the response body")
		}
	})
}

func TestGeminiProbe(t *testing.T) {
	t.Run("ValidKey", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models/test-model" {
				t.Errorf("path = %s", r.URL.Path)
			}
			w.Write([]byte(`{"name": "models/test-model"}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		if err := p.Probe(context.Background(), "test-key"); err != nil {
			t.Errorf("Probe failed: %v", err)
		}
	})

	t.Run("RejectedKey", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("API key not valid"))
		}))
		defer server.Close()

		p := NewGeminiProvider("test-model", server.URL, server.Client())
		err := p.Probe(context.Background(), "bad-key")

		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
	})
}

func TestGeminiListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": [{"name": "models/gemini-2.0-flash"}, {"name": "models/gemini-2.5-pro"}]}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("test-model", server.URL, server.Client())
	names, err := p.ListModels(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	want := []string{"gemini-2.0-flash", "gemini-2.5-pro"}
	if len(names) != len(want) {
		t.Fatalf("models = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("model[%d] = %s, want %s (models/ prefix stripped)", i, names[i], want[i])
		}
	}
}
