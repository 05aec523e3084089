package providers

import (
	"errors"
	"testing"

	"github.com/MisonL/semantic-tester/internal/models"
)

func TestParseJudgment(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		verdict   models.Verdict
		rationale string
		wantErr   bool
	}{
		{
			name:      "PlainJSON",
			raw:       `{"result": "yes", "reason": "the answer follows from the text"}`,
			verdict:   models.VerdictMatch,
			rationale: "the answer follows from the text",
		},
		{
			name:    "NoResult",
			raw:     `{"result": "no", "reason": "contradicts the reference"}`,
			verdict: models.VerdictMismatch,
		},
		{
			name:    "FencedJSON",
			raw:     "```json\n{\"result\": \"yes\", \"reason\": \"ok\"}\n```",
			verdict: models.VerdictMatch,
		},
		{
			name:    "FencedWithoutLanguageTag",
			raw:     "```\n{\"result\": \"no\", \"reason\": \"nope\"}\n```",
			verdict: models.VerdictMismatch,
		},
		{
			name:    "ChineseAffirmative",
			raw:     `{"result": "是", "reason": "一致"}`,
			verdict: models.VerdictMatch,
		},
		{
			name:    "ChineseNegative",
			raw:     `{"result": "否", "reason": "不一致"}`,
			verdict: models.VerdictMismatch,
		},
		{
			name:    "MixedCaseResult",
			raw:     `{"result": "Yes", "reason": "ok"}`,
			verdict: models.VerdictMatch,
		},
		{
			name:    "NotJSON",
			raw:     "The answer is probably right.",
			wantErr: true,
		},
		{
			name:    "UnknownResultValue",
			raw:     `{"result": "maybe", "reason": "who knows"}`,
			wantErr: true,
		},
		{
			name:    "EmptyReply",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			judgment, err := parseJudgment("test", tc.raw)

			if tc.wantErr {
				var formatErr *FormatError
				if !errors.As(err, &formatErr) {
					t.Fatalf("expected FormatError, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("parseJudgment failed: %v", err)
			}
			if judgment.Verdict != tc.verdict {
				t.Errorf("verdict = %s, want %s", judgment.Verdict, tc.verdict)
			}
			if tc.rationale != "" && judgment.Rationale != tc.rationale {
				t.Errorf("rationale = %q, want %q", judgment.Rationale, tc.rationale)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"```json\n```", ""},
	}

	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNew(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"gemini", false},
		{"openai", false},
		{"iflow", false},
		{"anthropic", false},
		{"watson", true},
		{"", true},
	}

	for _, tc := range cases {
		provider, err := New(tc.id, "some-model", "", nil)
		if tc.wantErr {
			if err == nil {
				t.Errorf("New(%q) should fail", tc.id)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q) failed: %v", tc.id, err)
			continue
		}
		if provider == nil {
			t.Errorf("New(%q) returned nil provider", tc.id)
		}
	}
}
