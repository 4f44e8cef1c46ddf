package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockJob struct {
	name    string
	execute func(ctx context.Context) error
}

func (m *mockJob) Name() string { return m.name }

func (m *mockJob) Execute(ctx context.Context) error {
	if m.execute != nil {
		return m.execute(ctx)
	}
	return nil
}

func testRunConfig(name string) JobConfig {
	cfg := DefaultJobConfig(name, "@every 1h")
	cfg.MaxRetries = 0
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.ExecutionTimeout = 2 * time.Second
	return cfg
}

func TestRunnerSuccess(t *testing.T) {
	r := NewRunner(nil)
	job := &mockJob{name: "ok"}

	outcome := r.Run(context.Background(), job, testRunConfig("ok"))

	if outcome.Status != OutcomeSuccess {
		t.Fatalf("status = %s, want %s", outcome.Status, OutcomeSuccess)
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", outcome.Attempts)
	}
	if outcome.Err != nil {
		t.Errorf("unexpected error: %v", outcome.Err)
	}
}

func TestRunnerRetriesExactlyMaxRetriesPlusOne(t *testing.T) {
	var calls int32
	job := &mockJob{
		name: "flaky",
		execute: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		},
	}

	cfg := testRunConfig("flaky")
	cfg.MaxRetries = 3

	r := NewRunner(nil)
	outcome := r.Run(context.Background(), job, cfg)

	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("execute calls = %d, want 4", got)
	}
	if outcome.Status != OutcomeFailure {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeFailure)
	}
	if outcome.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", outcome.Attempts)
	}
}

func TestRunnerRetrySucceedsMidCycle(t *testing.T) {
	var calls int32
	job := &mockJob{
		name: "recovers",
		execute: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}

	cfg := testRunConfig("recovers")
	cfg.MaxRetries = 5

	r := NewRunner(nil)
	outcome := r.Run(context.Background(), job, cfg)

	if outcome.Status != OutcomeSuccess {
		t.Fatalf("status = %s, want %s", outcome.Status, OutcomeSuccess)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("execute calls = %d, want 3", got)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.Attempts)
	}
}

func TestRunnerTimeoutIsNotRetried(t *testing.T) {
	var calls int32
	job := &mockJob{
		name: "slow",
		execute: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	cfg := testRunConfig("slow")
	cfg.MaxRetries = 3
	cfg.ExecutionTimeout = 50 * time.Millisecond

	r := NewRunner(nil)
	outcome := r.Run(context.Background(), job, cfg)

	if outcome.Status != OutcomeTimeout {
		t.Fatalf("status = %s, want %s", outcome.Status, OutcomeTimeout)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("execute calls = %d, want 1 (timeouts end the cycle)", got)
	}
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	job := &mockJob{
		name: "crasher",
		execute: func(ctx context.Context) error {
			panic("kaboom")
		},
	}

	r := NewRunner(nil)
	outcome := r.Run(context.Background(), job, testRunConfig("crasher"))

	if outcome.Status != OutcomeFailure {
		t.Fatalf("status = %s, want %s", outcome.Status, OutcomeFailure)
	}
	if outcome.Err == nil {
		t.Fatal("expected error from recovered panic")
	}
}

func TestRunnerPanicIsRetried(t *testing.T) {
	var calls int32
	job := &mockJob{
		name: "crash-once",
		execute: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("first run blows up")
			}
			return nil
		},
	}

	cfg := testRunConfig("crash-once")
	cfg.MaxRetries = 1

	r := NewRunner(nil)
	outcome := r.Run(context.Background(), job, cfg)

	if outcome.Status != OutcomeSuccess {
		t.Fatalf("status = %s, want %s", outcome.Status, OutcomeSuccess)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("execute calls = %d, want 2", got)
	}
}

func TestRunnerRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	job := &mockJob{
		name: "long",
		execute: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}

	r := NewRunner(nil)
	cfg := testRunConfig("long")

	done := make(chan Outcome, 1)
	go func() {
		done <- r.Run(context.Background(), job, cfg)
	}()

	<-started
	second := r.Run(context.Background(), job, cfg)
	if second.Status != OutcomeRejected {
		t.Errorf("second run status = %s, want %s", second.Status, OutcomeRejected)
	}
	if !errors.Is(second.Err, ErrStillRunning) {
		t.Errorf("second run err = %v, want ErrStillRunning", second.Err)
	}
	if second.Failed() {
		t.Error("rejected outcome must not count as a failure")
	}

	close(release)
	first := <-done
	if first.Status != OutcomeSuccess {
		t.Errorf("first run status = %s, want %s", first.Status, OutcomeSuccess)
	}
	if r.IsRunning("long") {
		t.Error("job still marked in flight after run completed")
	}
}

func TestRunnerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	job := &mockJob{
		name: "hot-failing",
		execute: func(ctx context.Context) error {
			return errors.New("down")
		},
	}

	cfg := testRunConfig("hot-failing")
	cfg.ErrorThreshold = 1 // tripAfter floors at 5 consecutive cycles
	cfg.RestartDelay = time.Hour

	r := NewRunner(nil)
	for i := 0; i < 5; i++ {
		outcome := r.Run(context.Background(), job, cfg)
		if outcome.Status != OutcomeFailure {
			t.Fatalf("cycle %d status = %s, want %s", i+1, outcome.Status, OutcomeFailure)
		}
		if outcome.Attempts != 1 {
			t.Fatalf("cycle %d attempts = %d, want 1", i+1, outcome.Attempts)
		}
	}

	// Sixth cycle is short-circuited by the open breaker.
	outcome := r.Run(context.Background(), job, cfg)
	if outcome.Status != OutcomeFailure {
		t.Fatalf("open-breaker status = %s, want %s", outcome.Status, OutcomeFailure)
	}
	if outcome.Attempts != 0 {
		t.Errorf("open-breaker attempts = %d, want 0 (body never ran)", outcome.Attempts)
	}

	// Resetting the breaker lets the job run again.
	r.ResetBreaker("hot-failing")
	outcome = r.Run(context.Background(), job, cfg)
	if outcome.Attempts != 1 {
		t.Errorf("post-reset attempts = %d, want 1", outcome.Attempts)
	}
}

func TestRunnerCancelRunStopsJob(t *testing.T) {
	job := &mockJob{
		name: "cancellable",
		execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	cfg := testRunConfig("cancellable")
	cfg.MaxRetries = 3

	r := NewRunner(nil)
	done := make(chan Outcome, 1)
	go func() {
		done <- r.Run(context.Background(), job, cfg)
	}()

	if !waitUntil(2*time.Second, func() bool { return r.IsRunning("cancellable") }) {
		t.Fatal("job never started")
	}
	r.CancelRun("cancellable")

	select {
	case outcome := <-done:
		if outcome.Status != OutcomeFailure {
			t.Errorf("status = %s, want %s", outcome.Status, OutcomeFailure)
		}
		if !errors.Is(outcome.Err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", outcome.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled run never returned")
	}
}

// waitUntil polls the condition until it holds or the deadline passes.
func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
