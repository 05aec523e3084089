package providers

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// RateLimitError reports a 429 from the provider. RetryAfter is the provider's
// suggested cooldown, zero when the response carried no hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// AuthError reports a credential rejected by the provider. The credential is
// permanently invalid for the remainder of the run.
type AuthError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authorization failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// TransientError reports a recoverable failure: network errors, timeouts, and
// server-side 5xx responses.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FormatError reports a response that arrived but could not be interpreted as a
// judgment. Not retried; the task is recorded with an uncertain verdict.
type FormatError struct {
	Provider string
	Raw      string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s uninterpretable response: %v", e.Provider, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// retryDelayPattern matches the retryDelay detail Gemini embeds in 429 bodies,
// e.g. "retryDelay": "21s".
var retryDelayPattern = regexp.MustCompile(`"retryDelay":\s*"(\d+)s"`)

// retryHintBuffer pads provider retry hints so a retry never lands just inside
// the window.
const retryHintBuffer = 5 * time.Second

// classifyResponse maps a non-2xx HTTP response to a typed provider error.
// The body is already consumed by the caller.
func classifyResponse(provider string, resp *http.Response, body []byte) error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Provider:   provider,
			RetryAfter: retryHint(resp, body),
			Message:    msg,
		}
	default:
		return &TransientError{
			Provider: provider,
			Err:      fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg),
		}
	}
}

// retryHint extracts a cooldown suggestion from a 429 response: the Retry-After
// header when present, otherwise the retryDelay detail in the body. Hints get a
// small buffer added; zero means no hint.
func retryHint(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs)*time.Second + retryHintBuffer
		}
	}
	if m := retryDelayPattern.FindSubmatch(body); m != nil {
		if secs, err := strconv.Atoi(string(m[1])); err == nil && secs > 0 {
			return time.Duration(secs)*time.Second + retryHintBuffer
		}
	}
	return 0
}

// readBody drains a response body for classification and judgment parsing.
func readBody(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil
	}
	return body
}
