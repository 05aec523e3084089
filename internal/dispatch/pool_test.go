package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/providers"
	"github.com/MisonL/semantic-tester/internal/shared"
)

func newTestPool(keys []string, cooldown time.Duration, now *time.Time) *CredentialPool {
	p := NewCredentialPool(keys, cooldown)
	p.now = func() time.Time { return *now }
	for _, c := range p.creds {
		c.health = CredentialValid
	}
	return p
}

func TestCredentialPool(t *testing.T) {
	t.Run("AcquireRoundRobin", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a", "key-b", "key-c"}, time.Minute, &now)

		var order []string
		for i := 0; i < 3; i++ {
			c, ok := pool.Acquire()
			if !ok {
				t.Fatalf("acquire %d failed", i)
			}
			order = append(order, c.Key)
			pool.Release(c, nil)
		}

		want := []string{"key-a", "key-b", "key-c"}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("acquire order[%d] = %s, want %s", i, order[i], want[i])
			}
		}
	})

	t.Run("AcquireSkipsInUse", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a", "key-b"}, time.Minute, &now)

		first, _ := pool.Acquire()
		second, ok := pool.Acquire()
		if !ok {
			t.Fatal("expected second credential")
		}
		if second.Key == first.Key {
			t.Error("acquired the same credential twice")
		}

		if _, ok := pool.Acquire(); ok {
			t.Error("expected no credential while both are in use")
		}
	})

	t.Run("RateLimitStartsCooldown", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a"}, time.Minute, &now)

		c, _ := pool.Acquire()
		pool.Release(c, &providers.RateLimitError{Provider: "test", RetryAfter: 10 * time.Second})

		if _, ok := pool.Acquire(); ok {
			t.Fatal("cooling credential should not be acquirable")
		}

		at, ok := pool.NextReady()
		if !ok {
			t.Fatal("expected a cooldown expiry")
		}
		if got := at.Sub(now); got != 10*time.Second {
			t.Errorf("cooldown = %s, want 10s", got)
		}

		now = now.Add(11 * time.Second)
		if _, ok := pool.Acquire(); !ok {
			t.Error("credential should be promoted after cooldown elapses")
		}
	})

	t.Run("RateLimitWithoutHintUsesDefault", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a"}, 45*time.Second, &now)

		c, _ := pool.Acquire()
		pool.Release(c, &providers.RateLimitError{Provider: "test"})

		at, _ := pool.NextReady()
		if got := at.Sub(now); got != 45*time.Second {
			t.Errorf("cooldown = %s, want default 45s", got)
		}
	})

	t.Run("AuthErrorInvalidatesPermanently", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a"}, time.Minute, &now)

		c, _ := pool.Acquire()
		pool.Release(c, &providers.AuthError{Provider: "test", StatusCode: 401})

		if _, ok := pool.Acquire(); ok {
			t.Error("invalid credential should never be acquirable")
		}
		if !pool.Exhausted() {
			t.Error("pool with only invalid credentials should be exhausted")
		}
	})

	t.Run("TransientErrorKeepsValid", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a"}, time.Minute, &now)

		c, _ := pool.Acquire()
		pool.Release(c, &providers.TransientError{Provider: "test", Err: errors.New("timeout")})

		if _, ok := pool.Acquire(); !ok {
			t.Error("transient failure should not remove the credential")
		}
	})

	t.Run("CoolingPoolIsNotExhausted", func(t *testing.T) {
		now := time.Now()
		pool := newTestPool([]string{"key-a"}, time.Minute, &now)

		c, _ := pool.Acquire()
		pool.Release(c, &providers.RateLimitError{Provider: "test", RetryAfter: time.Minute})

		if pool.Exhausted() {
			t.Error("a cooling credential will recover; the pool is not exhausted")
		}
	})
}

func TestProbeAll(t *testing.T) {
	logger := shared.NewLogger(nil)

	t.Run("AuthFailureInvalidates", func(t *testing.T) {
		pool := NewCredentialPool([]string{"bad-key", "good-key"}, time.Minute)
		provider := &probeProvider{fail: map[string]error{
			"bad-key": &providers.AuthError{Provider: "test", StatusCode: 401},
		}}

		pool.ProbeAll(context.Background(), provider, logger)

		counts := pool.Snapshot()
		if counts[CredentialInvalid] != 1 {
			t.Errorf("invalid count = %d, want 1", counts[CredentialInvalid])
		}
		if counts[CredentialValid] != 1 {
			t.Errorf("valid count = %d, want 1", counts[CredentialValid])
		}
	})

	t.Run("TransientFailureKeepsRotation", func(t *testing.T) {
		pool := NewCredentialPool([]string{"flaky-key"}, time.Minute)
		provider := &probeProvider{fail: map[string]error{
			"flaky-key": &providers.TransientError{Provider: "test", Err: errors.New("dial timeout")},
		}}

		pool.ProbeAll(context.Background(), provider, logger)

		if counts := pool.Snapshot(); counts[CredentialValid] != 1 {
			t.Errorf("valid count = %d, want 1", counts[CredentialValid])
		}
	})

	t.Run("ProbesEachKeyOnce", func(t *testing.T) {
		pool := NewCredentialPool([]string{"key-a", "key-b"}, time.Minute)
		provider := &probeProvider{}

		pool.ProbeAll(context.Background(), provider, logger)
		pool.ProbeAll(context.Background(), provider, logger)

		if provider.calls != 2 {
			t.Errorf("probe calls = %d, want 2", provider.calls)
		}
	})
}

// probeProvider fails probes for the keys listed in fail.
type probeProvider struct {
	fail  map[string]error
	calls int
}

func (p *probeProvider) Probe(ctx context.Context, apiKey string) error {
	p.calls++
	return p.fail[apiKey]
}

func (p *probeProvider) Evaluate(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
	return nil, errors.New("not used")
}

func (p *probeProvider) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	return nil, nil
}

func (p *probeProvider) Name() string { return "probe" }
