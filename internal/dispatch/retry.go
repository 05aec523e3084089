package dispatch

import (
	"errors"
	"time"

	"github.com/MisonL/semantic-tester/internal/providers"
	"github.com/MisonL/semantic-tester/internal/shared"
)

// DecisionKind enumerates what the dispatcher should do with a failed call.
type DecisionKind int

const (
	// RetryNow requeues the task for another credential without delay and
	// without consuming a retry attempt (rate-limit and auth failures are the
	// credential's fault, not the task's).
	RetryNow DecisionKind = iota
	// RetryAfter requeues the task after a backoff delay.
	RetryAfter
	// RecordUncertain writes an uncertain verdict with diagnostic rationale;
	// the task is not retried.
	RecordUncertain
	// Abandon writes an error verdict; the retry budget is spent.
	Abandon
	// Fatal aborts the whole batch; durability can no longer be guaranteed.
	Fatal
)

func (k DecisionKind) String() string {
	switch k {
	case RetryNow:
		return "retry_now"
	case RetryAfter:
		return "retry_after"
	case RecordUncertain:
		return "record_uncertain"
	case Abandon:
		return "abandon"
	case Fatal:
		return "fatal"
	default:
		return ""
	}
}

// Decision is the retry policy's verdict on one failed call.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration // only for RetryAfter
}

// RetryPolicy maps a classified error and the task's attempt count to a
// decision. It holds no mutable state; the same inputs always produce the
// same decision.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy from batch configuration, applying the
// documented conservative defaults for unset values.
func NewRetryPolicy(cfg shared.BatchConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxRetriesOrDefault(),
		BaseDelay:   cfg.BaseDelayOrDefault(),
		MaxDelay:    cfg.MaxDelayOrDefault(),
	}
}

// Decide classifies err (non-nil) for a task on its attempt-th provider call.
//
//	persistence failure      → Fatal
//	uninterpretable response → RecordUncertain
//	rate limit / bad auth    → RetryNow on another credential
//	anything transient       → RetryAfter with exponential backoff, or Abandon
//	                           once the attempt budget is spent
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	var formatErr *providers.FormatError
	var rateErr *providers.RateLimitError
	var authErr *providers.AuthError

	switch {
	case errors.Is(err, shared.ErrPersistence):
		return Decision{Kind: Fatal}
	case errors.As(err, &formatErr):
		return Decision{Kind: RecordUncertain}
	case errors.As(err, &rateErr), errors.As(err, &authErr):
		return Decision{Kind: RetryNow}
	default:
		if attempt >= p.MaxAttempts {
			return Decision{Kind: Abandon}
		}
		return Decision{Kind: RetryAfter, Delay: p.Backoff(attempt)}
	}
}

// Backoff returns the delay before retrying after the attempt-th failure:
// BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
