package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/providers"
	"github.com/MisonL/semantic-tester/internal/shared"
	apptest "github.com/MisonL/semantic-tester/internal/testing"
)

func testTasks(n int) []*models.Task {
	tasks := make([]*models.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, &models.Task{
			ID:              string(rune('a'+i)) + "-task",
			Question:        "q",
			CandidateAnswer: "a",
			ReferenceText:   "r",
		})
	}
	return tasks
}

func testChannel(name string, provider providers.Provider, keys []string, concurrency int, cooldown time.Duration) *Channel {
	return NewChannel(shared.ChannelConfig{
		Name:           name,
		Provider:       "mock",
		APIKeys:        keys,
		MaxConcurrency: concurrency,
	}, provider, cooldown)
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRunCompletesAllTasks(t *testing.T) {
	provider := &apptest.MockProvider{}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a", "key-b"}, 2, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(5))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 5 {
		t.Errorf("completed = %d, want 5", summary.Completed)
	}
	if summary.Abandoned != 0 {
		t.Errorf("abandoned = %d, want 0", summary.Abandoned)
	}
	if sink.Len() != 5 {
		t.Errorf("stored outcomes = %d, want 5", sink.Len())
	}

	outcome, ok := sink.Outcome("a-task")
	if !ok {
		t.Fatal("missing outcome for a-task")
	}
	if outcome.Verdict != models.VerdictMatch {
		t.Errorf("verdict = %s, want %s", outcome.Verdict, models.VerdictMatch)
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", outcome.Attempts)
	}
}

func TestRunPreservesSubmissionOrder(t *testing.T) {
	provider := &apptest.MockProvider{}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})

	tasks := testTasks(4)
	d.Submit(tasks)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	order := sink.Order()
	for i, task := range tasks {
		if order[i] != task.ID {
			t.Errorf("completion order[%d] = %s, want %s", i, order[i], task.ID)
		}
	}
}

func TestFormatErrorRecordsUncertain(t *testing.T) {
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			return nil, &providers.FormatError{Provider: "mock", Raw: "not json", Err: errors.New("bad json")}
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(1))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1", summary.Completed)
	}
	outcome, _ := sink.Outcome("a-task")
	if outcome.Verdict != models.VerdictUncertain {
		t.Errorf("verdict = %s, want %s", outcome.Verdict, models.VerdictUncertain)
	}
	if provider.Evaluations() != 1 {
		t.Errorf("evaluations = %d, want 1 (format errors are not retried)", provider.Evaluations())
	}
}

func TestTransientFailuresAbandonAfterBudget(t *testing.T) {
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			return nil, &providers.TransientError{Provider: "mock", Err: errors.New("connection reset")}
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(1))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", summary.Abandoned)
	}
	outcome, _ := sink.Outcome("a-task")
	if outcome.Verdict != models.VerdictError {
		t.Errorf("verdict = %s, want %s", outcome.Verdict, models.VerdictError)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.Attempts)
	}
	if provider.Evaluations() != 3 {
		t.Errorf("evaluations = %d, want 3", provider.Evaluations())
	}
}

func TestRateLimitRotatesToNextCredential(t *testing.T) {
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			if apiKey == "limited-key" {
				return nil, &providers.RateLimitError{Provider: "mock", RetryAfter: time.Minute}
			}
			return &providers.Judgment{Verdict: models.VerdictMatch}, nil
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"limited-key", "good-key"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(1))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1", summary.Completed)
	}
	outcome, _ := sink.Outcome("a-task")
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (rate limits do not consume the budget)", outcome.Attempts)
	}

	keys := provider.KeysSeen()
	if len(keys) != 2 || keys[0] != "limited-key" || keys[1] != "good-key" {
		t.Errorf("keys seen = %v, want rotation from limited-key to good-key", keys)
	}
}

func TestSingleCredentialWaitsOutCooldown(t *testing.T) {
	calls := 0
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			calls++
			if calls == 1 {
				return nil, &providers.RateLimitError{Provider: "mock"}
			}
			return &providers.Judgment{Verdict: models.VerdictMatch}, nil
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"only-key"}, 1, 20*time.Millisecond)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(1))

	start := time.Now()
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1", summary.Completed)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("run finished in %s, expected to wait out the 20ms cooldown", elapsed)
	}
}

func TestAuthFailuresExhaustChannel(t *testing.T) {
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			return nil, &providers.AuthError{Provider: "mock", StatusCode: 401, Message: "revoked"}
		},
	}
	sink := &apptest.MemorySink{}
	events := make(chan Event, 64)
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"revoked-key"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
		Events:   events,
	})
	d.Submit(testTasks(2))

	summary, err := d.Run(context.Background())
	if !errors.Is(err, shared.ErrChannelsExhausted) {
		t.Fatalf("Run returned %v, want ErrChannelsExhausted", err)
	}

	if summary.Abandoned != 2 {
		t.Errorf("abandoned = %d, want 2", summary.Abandoned)
	}
	if _, ok := summary.Exhausted["main"]; !ok {
		t.Error("summary should name the exhausted channel")
	}
	for _, id := range []string{"a-task", "b-task"} {
		outcome, ok := sink.Outcome(id)
		if !ok {
			t.Fatalf("missing error outcome for %s", id)
		}
		if outcome.Verdict != models.VerdictError {
			t.Errorf("%s verdict = %s, want %s", id, outcome.Verdict, models.VerdictError)
		}
	}

	close(events)
	sawExhausted := false
	for event := range events {
		if event.Kind == ChannelExhausted {
			sawExhausted = true
			if event.Channel != "main" || event.Reason == "" {
				t.Errorf("exhaustion event = %+v, want channel name and reason", event)
			}
		}
	}
	if !sawExhausted {
		t.Error("expected a ChannelExhausted event")
	}
}

func TestAllProbesFailingAbortsBeforeDispatch(t *testing.T) {
	provider := &apptest.MockProvider{
		ProbeFunc: func(ctx context.Context, apiKey string) error {
			return &providers.AuthError{Provider: "mock", StatusCode: 401, Message: "bad key"}
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a", "key-b"}, 2, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(4))

	summary, err := d.Run(context.Background())
	if !errors.Is(err, shared.ErrChannelsExhausted) {
		t.Fatalf("Run returned %v, want ErrChannelsExhausted", err)
	}

	if provider.Evaluations() != 0 {
		t.Errorf("evaluations = %d, want 0 (nothing dispatches when every probe fails)", provider.Evaluations())
	}
	if summary.Completed != 0 {
		t.Errorf("completed = %d, want 0", summary.Completed)
	}
	if summary.Abandoned != 4 {
		t.Errorf("abandoned = %d, want 4", summary.Abandoned)
	}
	if reason := summary.Exhausted["main"]; reason != "all credentials failed probe" {
		t.Errorf("exhaustion reason = %q", reason)
	}
	if sink.Len() != 4 {
		t.Errorf("stored outcomes = %d, want 4 error rows", sink.Len())
	}
}

func TestConcurrencyStaysWithinChannelLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return &providers.Judgment{Verdict: models.VerdictMatch}, nil
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a", "key-b", "key-c"}, 2, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(8))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 8 {
		t.Errorf("completed = %d, want 8", summary.Completed)
	}
	if peak > 2 {
		t.Errorf("peak concurrent calls = %d, want at most 2", peak)
	}
}

func TestExhaustedChannelFallsOverToHealthyOne(t *testing.T) {
	bad := &apptest.MockProvider{
		ProbeFunc: func(ctx context.Context, apiKey string) error {
			return &providers.AuthError{Provider: "mock", StatusCode: 403, Message: "forbidden"}
		},
	}
	good := &apptest.MockProvider{}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{
			testChannel("bad", bad, []string{"bad-key"}, 1, time.Minute),
			testChannel("good", good, []string{"good-key"}, 1, time.Minute),
		},
		Policy: testPolicy(),
		Sink:   sink,
	})
	d.Submit(testTasks(3))

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if summary.Completed != 3 {
		t.Errorf("completed = %d, want 3", summary.Completed)
	}
	if _, ok := summary.Exhausted["bad"]; !ok {
		t.Error("summary should record the channel that failed probing")
	}
	if bad.Evaluations() != 0 {
		t.Errorf("bad channel evaluations = %d, want 0", bad.Evaluations())
	}
	if good.Evaluations() != 3 {
		t.Errorf("good channel evaluations = %d, want 3", good.Evaluations())
	}
}

func TestLeastRecentlyUsedSpreadsLoad(t *testing.T) {
	first := &apptest.MockProvider{}
	second := &apptest.MockProvider{}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels: []*Channel{
			testChannel("one", first, []string{"key-1"}, 1, time.Minute),
			testChannel("two", second, []string{"key-2"}, 1, time.Minute),
		},
		Policy: testPolicy(),
		Sink:   sink,
	})
	d.Submit(testTasks(6))

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if first.Evaluations() == 0 {
		t.Error("channel one was never used")
	}
	if second.Evaluations() == 0 {
		t.Error("channel two was never used")
	}
	if first.Evaluations()+second.Evaluations() != 6 {
		t.Errorf("total evaluations = %d, want 6", first.Evaluations()+second.Evaluations())
	}
}

func TestInterruptDrainsInFlightAndSkipsTheRest(t *testing.T) {
	started := make(chan struct{}, 3)
	gate := make(chan struct{})
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			started <- struct{}{}
			<-gate
			return &providers.Judgment{Verdict: models.VerdictMatch}, nil
		},
	}
	sink := &apptest.MemorySink{}
	d := New(Opts{
		Channels:     []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:       testPolicy(),
		Sink:         sink,
		GraceTimeout: time.Second,
	})
	d.Submit(testTasks(3))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		// Let the coordinator observe the cancellation before the in-flight
		// call finishes.
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	summary, err := d.Run(ctx)
	if !errors.Is(err, shared.ErrBatchInterrupted) {
		t.Fatalf("Run returned %v, want ErrBatchInterrupted", err)
	}

	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1 (the in-flight call finishes during drain)", summary.Completed)
	}
	if summary.Abandoned != 2 {
		t.Errorf("abandoned = %d, want 2", summary.Abandoned)
	}
	if sink.Len() != 1 {
		t.Errorf("stored outcomes = %d, want 1 (never-started tasks stay unwritten)", sink.Len())
	}
}

func TestWorkerOutlivingGraceWindowIsDiscarded(t *testing.T) {
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	provider := &apptest.MockProvider{
		EvaluateFunc: func(ctx context.Context, apiKey string, task models.Task) (*providers.Judgment, error) {
			started <- struct{}{}
			// Ignore the context, the way a stuck HTTP call would.
			<-gate
			return &providers.Judgment{Verdict: models.VerdictMatch}, nil
		},
	}
	sink := &apptest.MemorySink{}
	events := make(chan Event, 64)
	d := New(Opts{
		Channels:     []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:       testPolicy(),
		Sink:         sink,
		Events:       events,
		GraceTimeout: 10 * time.Millisecond,
	})
	d.Submit(testTasks(3))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	summary, err := d.Run(ctx)
	if !errors.Is(err, shared.ErrBatchInterrupted) {
		t.Fatalf("Run returned %v, want ErrBatchInterrupted", err)
	}
	if summary.Completed != 0 {
		t.Errorf("completed = %d, want 0", summary.Completed)
	}
	if summary.Abandoned != 3 {
		t.Errorf("abandoned = %d, want 3 (the stuck call counts as abandoned)", summary.Abandoned)
	}

	// The runner closes the stream as soon as Run returns; the stuck worker
	// then resolves and must not touch the channel or the store.
	close(events)
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if sink.Len() != 0 {
		t.Errorf("stored outcomes = %d, want 0 (late workers must not write)", sink.Len())
	}
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	provider := &apptest.MockProvider{}
	sink := &apptest.MemorySink{FailAfter: 1}
	d := New(Opts{
		Channels: []*Channel{testChannel("main", provider, []string{"key-a"}, 1, time.Minute)},
		Policy:   testPolicy(),
		Sink:     sink,
	})
	d.Submit(testTasks(2))

	_, err := d.Run(context.Background())
	if !errors.Is(err, shared.ErrPersistence) {
		t.Fatalf("Run returned %v, want ErrPersistence", err)
	}
	if sink.Len() != 1 {
		t.Errorf("stored outcomes = %d, want 1", sink.Len())
	}
}

func TestRunWithoutChannels(t *testing.T) {
	d := New(Opts{Policy: testPolicy(), Sink: &apptest.MemorySink{}})
	d.Submit(testTasks(1))

	if _, err := d.Run(context.Background()); !errors.Is(err, shared.ErrNoChannels) {
		t.Fatalf("Run returned %v, want ErrNoChannels", err)
	}
}
