package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SyntheticConfig describes a synthetic job used to validate supervisor
// resilience end to end.
type SyntheticConfig struct {
	Name           string
	Schedule       string
	FailureRate    float64       // probability a run fails
	MemoryGrowthMB int           // ballast appended per run to induce growth
	CrashAfter     int           // panic after this many runs; 0 disables
	ExecutionDelay time.Duration // simulated work per run
}

// SyntheticJob is a configurable test job run through the real supervisor.
type SyntheticJob struct {
	cfg SyntheticConfig
	rng *rand.Rand

	mu         sync.Mutex
	executions int
	ballast    [][]byte
}

// NewSyntheticJob creates a synthetic job. The seed fixes the failure
// sequence for reproducible runs.
func NewSyntheticJob(cfg SyntheticConfig, seed int64) *SyntheticJob {
	return &SyntheticJob{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (j *SyntheticJob) Name() string {
	return j.cfg.Name
}

func (j *SyntheticJob) Execute(ctx context.Context) error {
	j.mu.Lock()
	j.executions++
	count := j.executions
	if j.cfg.MemoryGrowthMB > 0 {
		j.ballast = append(j.ballast, make([]byte, j.cfg.MemoryGrowthMB<<20))
	}
	fail := j.cfg.FailureRate > 0 && j.rng.Float64() < j.cfg.FailureRate
	j.mu.Unlock()

	if j.cfg.CrashAfter > 0 && count >= j.cfg.CrashAfter {
		panic(fmt.Sprintf("synthetic crash after %d executions", count))
	}

	if j.cfg.ExecutionDelay > 0 {
		select {
		case <-time.After(j.cfg.ExecutionDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return fmt.Errorf("synthetic failure on execution %d", count)
	}
	return nil
}

// HealthCheck always passes; synthetic jobs report health through outcomes.
func (j *SyntheticJob) HealthCheck(ctx context.Context) error {
	return nil
}

// Cleanup drops the accumulated ballast and reports the MB released.
func (j *SyntheticJob) Cleanup(ctx context.Context) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	freed := 0.0
	for _, b := range j.ballast {
		freed += float64(len(b)) / (1 << 20)
	}
	j.ballast = nil
	return freed
}

// Executions returns how many times the job body has run.
func (j *SyntheticJob) Executions() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.executions
}

// RunStressTest registers a standard trio of synthetic jobs (flaky, leaky,
// crashing), runs them through the supervisor for the given duration, then
// stops them and returns the resulting report.
func RunStressTest(s *Supervisor, duration time.Duration) (Report, error) {
	configs := []SyntheticConfig{
		{Name: "synthetic_flaky", Schedule: "@every 1s", FailureRate: 0.3},
		{Name: "synthetic_leaky", Schedule: "@every 1s", MemoryGrowthMB: 2},
		{Name: "synthetic_crasher", Schedule: "@every 1s", CrashAfter: 5},
	}

	names := make([]string, 0, len(configs))
	for i, sc := range configs {
		job := NewSyntheticJob(sc, int64(i+1))
		cfg := DefaultJobConfig(sc.Name, sc.Schedule)
		cfg.MaxRetries = 1
		cfg.RetryDelay = 100 * time.Millisecond
		cfg.ExecutionTimeout = 5 * time.Second
		cfg.ErrorThreshold = 3
		cfg.RestartDelay = 500 * time.Millisecond
		cfg.MaxRestartAttempts = 2
		cfg.HealthCheckInterval = 2 * time.Second
		cfg.MemoryThresholdMB = 16
		if err := s.Register(cfg, job); err != nil {
			return Report{}, fmt.Errorf("failed to register synthetic job %s: %w", sc.Name, err)
		}
		names = append(names, sc.Name)
	}

	for _, name := range names {
		if err := s.Start(name); err != nil {
			return Report{}, fmt.Errorf("failed to start synthetic job %s: %w", name, err)
		}
	}

	time.Sleep(duration)

	for _, name := range names {
		if err := s.Stop(name); err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_name", name).
				Str("action", "stress_stop_failed").
				Msg("Failed to stop synthetic job")
		}
	}

	return s.BuildReport(), nil
}
