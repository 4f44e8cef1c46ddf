package supervisor

import (
	"errors"
	"testing"
	"time"
)

func trackerConfig(name string) JobConfig {
	cfg := DefaultJobConfig(name, "@every 1h")
	cfg.ErrorThreshold = 3
	cfg.MemoryThresholdMB = 100
	return cfg
}

func successOutcome() Outcome {
	return Outcome{Status: OutcomeSuccess, Duration: 10 * time.Millisecond, Attempts: 1}
}

func failureOutcome() Outcome {
	return Outcome{Status: OutcomeFailure, Duration: 10 * time.Millisecond, Attempts: 1, Err: errors.New("boom")}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  JobStatus
		to    JobStatus
		legal bool
	}{
		{"starting to healthy", StatusStarting, StatusHealthy, true},
		{"starting to degraded", StatusStarting, StatusDegraded, true},
		{"healthy to degraded", StatusHealthy, StatusDegraded, true},
		{"degraded to unhealthy", StatusDegraded, StatusUnhealthy, true},
		{"unhealthy to healthy", StatusUnhealthy, StatusHealthy, true},
		{"any to stopping", StatusDegraded, StatusStopping, true},
		{"stopping to stopped", StatusStopping, StatusStopped, true},
		{"stopped to starting", StatusStopped, StatusStarting, true},
		{"same state", StatusHealthy, StatusHealthy, true},
		{"healthy to stopped skips stopping", StatusHealthy, StatusStopped, false},
		{"stopped to healthy skips starting", StatusStopped, StatusHealthy, false},
		{"stopping to healthy", StatusStopping, StatusHealthy, false},
		{"healthy to starting", StatusHealthy, StatusStarting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.legal {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
			}
		})
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))

	if got := tr.Status("job"); got != StatusStopped {
		t.Fatalf("initial status = %s, want %s", got, StatusStopped)
	}

	tr.MarkStarting("job")
	if got := tr.Status("job"); got != StatusStarting {
		t.Fatalf("status = %s, want %s", got, StatusStarting)
	}

	tr.RecordProbe("job", nil)
	if got := tr.Status("job"); got != StatusHealthy {
		t.Fatalf("status after passing probe = %s, want %s", got, StatusHealthy)
	}

	tr.MarkStopping("job")
	tr.MarkStopped("job")
	if got := tr.Status("job"); got != StatusStopped {
		t.Fatalf("status = %s, want %s", got, StatusStopped)
	}
}

func TestTrackerIllegalTransitionIgnored(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	// Healthy cannot jump straight to stopped.
	tr.MarkStopped("job")
	if got := tr.Status("job"); got != StatusHealthy {
		t.Errorf("status = %s, want %s (illegal edge must be ignored)", got, StatusHealthy)
	}
}

func TestTrackerConsecutiveFailuresEscalate(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	tr.RecordOutcome("job", failureOutcome())
	if got := tr.Status("job"); got != StatusDegraded {
		t.Fatalf("after 1 failure status = %s, want %s", got, StatusDegraded)
	}

	tr.RecordOutcome("job", failureOutcome())
	if got := tr.Status("job"); got != StatusDegraded {
		t.Fatalf("after 2 failures status = %s, want %s", got, StatusDegraded)
	}

	tr.RecordOutcome("job", failureOutcome())
	if got := tr.Status("job"); got != StatusUnhealthy {
		t.Fatalf("after 3 failures status = %s, want %s", got, StatusUnhealthy)
	}

	h, _ := tr.Health("job")
	if h.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", h.ConsecutiveFailures)
	}
}

func TestTrackerSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	tr.RecordOutcome("job", failureOutcome())
	tr.RecordOutcome("job", failureOutcome())
	tr.RecordOutcome("job", successOutcome())

	h, _ := tr.Health("job")
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after success", h.ConsecutiveFailures)
	}
}

func TestTrackerHighErrorRateKeepsJobDegraded(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	// 2 failures out of 4 executions leaves a 50% windowed error rate,
	// well above the 20% degraded cutoff.
	tr.RecordOutcome("job", failureOutcome())
	tr.RecordOutcome("job", failureOutcome())
	tr.RecordOutcome("job", successOutcome())
	tr.RecordOutcome("job", successOutcome())

	if got := tr.Status("job"); got != StatusDegraded {
		t.Errorf("status = %s, want %s with 50%% error rate", got, StatusDegraded)
	}

	h, _ := tr.Health("job")
	if h.ErrorRate != 0.5 {
		t.Errorf("error rate = %.2f, want 0.50", h.ErrorRate)
	}
}

func TestTrackerResetErrorsRestoresHealthPath(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	tr.RecordOutcome("job", failureOutcome())
	tr.RecordOutcome("job", failureOutcome())
	tr.ResetErrors("job")

	h, _ := tr.Health("job")
	if h.ErrorRate != 0 || h.ConsecutiveFailures != 0 {
		t.Fatalf("after reset: error rate = %.2f, consecutive = %d, want both 0", h.ErrorRate, h.ConsecutiveFailures)
	}

	tr.RecordOutcome("job", successOutcome())
	if got := tr.Status("job"); got != StatusHealthy {
		t.Errorf("status = %s, want %s after reset and success", got, StatusHealthy)
	}
}

func TestTrackerMemoryThresholdDegrades(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	tr.SetMemoryUsage("job", 150)
	if got := tr.Status("job"); got != StatusDegraded {
		t.Fatalf("status = %s, want %s over memory threshold", got, StatusDegraded)
	}

	// A success cannot promote while memory stays over threshold.
	tr.RecordOutcome("job", successOutcome())
	if got := tr.Status("job"); got != StatusDegraded {
		t.Errorf("status = %s, want %s while memory over threshold", got, StatusDegraded)
	}

	tr.SetMemoryUsage("job", 50)
	tr.RecordOutcome("job", successOutcome())
	if got := tr.Status("job"); got != StatusHealthy {
		t.Errorf("status = %s, want %s after memory recovered", got, StatusHealthy)
	}
}

func TestTrackerFailingProbeDegradesHealthyJob(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	tr.RecordProbe("job", errors.New("db unreachable"))
	if got := tr.Status("job"); got != StatusDegraded {
		t.Errorf("status = %s, want %s after failing probe", got, StatusDegraded)
	}
}

func TestTrackerIgnoresOutcomesWhileStopping(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)
	tr.MarkStopping("job")

	tr.RecordOutcome("job", failureOutcome())
	if got := tr.Status("job"); got != StatusStopping {
		t.Errorf("status = %s, want %s (outcomes ignored while stopping)", got, StatusStopping)
	}
	h, _ := tr.Health("job")
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", h.ConsecutiveFailures)
	}
}

func TestTrackerHadTwoConsecutiveSuccesses(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")

	tr.RecordOutcome("job", successOutcome())
	if tr.HadTwoConsecutiveSuccesses("job") {
		t.Error("one success should not count as two")
	}

	tr.RecordOutcome("job", successOutcome())
	if !tr.HadTwoConsecutiveSuccesses("job") {
		t.Error("two successes in a row not detected")
	}

	tr.RecordOutcome("job", failureOutcome())
	if tr.HadTwoConsecutiveSuccesses("job") {
		t.Error("failure should clear the streak")
	}
}

func TestTrackerTransitionHandlerFires(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))

	var events []TransitionEvent
	tr.SetTransitionHandler(func(e TransitionEvent) {
		events = append(events, e)
	})

	tr.MarkStarting("job")
	tr.RecordProbe("job", nil)

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].From != StatusStopped || events[0].To != StatusStarting {
		t.Errorf("first event %s -> %s, want stopped -> starting", events[0].From, events[0].To)
	}
	if events[1].From != StatusStarting || events[1].To != StatusHealthy {
		t.Errorf("second event %s -> %s, want starting -> healthy", events[1].From, events[1].To)
	}
}

func TestTrackerTrimWindows(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register(trackerConfig("job"))
	tr.MarkStarting("job")

	for i := 0; i < 10; i++ {
		tr.RecordOutcome("job", successOutcome())
	}

	removed := tr.TrimWindows()
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}
}

func TestTrackerWindowIsBounded(t *testing.T) {
	tr := NewTracker(nil)
	cfg := trackerConfig("job")
	tr.Register(cfg)
	tr.MarkStarting("job")

	for i := 0; i < executionWindowSize+50; i++ {
		tr.RecordOutcome("job", failureOutcome())
	}

	// With the window full of failures the rate stays exactly 1.0 even
	// though more than windowSize outcomes were recorded.
	h, _ := tr.Health("job")
	if h.ErrorRate != 1.0 {
		t.Errorf("error rate = %.2f, want 1.00", h.ErrorRate)
	}
	if removed := tr.TrimWindows(); removed != executionWindowSize/2 {
		t.Errorf("trim removed %d, want %d", removed, executionWindowSize/2)
	}
}
