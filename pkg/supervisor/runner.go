package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
)

// ErrStillRunning is returned inside a rejected outcome when a run is
// attempted while the previous one is still in flight.
var ErrStillRunning = errors.New("job is still running")

// Runner invokes one job's unit of work under a timeout, a single-flight
// guard and a per-job circuit breaker, classifying the outcome.
type Runner struct {
	logger *logger.Logger

	mu       sync.Mutex
	inflight map[string]*ExecutionContext
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRunner creates a job runner.
func NewRunner(log *logger.Logger) *Runner {
	if log == nil {
		log = logger.New("job-runner")
	}
	return &Runner{
		logger:   log,
		inflight: make(map[string]*ExecutionContext),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run executes one full run cycle for the job: the initial attempt plus up
// to MaxRetries retries. A collision with a live ExecutionContext is
// rejected immediately, never queued.
func (r *Runner) Run(parent context.Context, job Job, cfg JobConfig) Outcome {
	name := job.Name()
	memBefore := heapUsedMB()

	r.mu.Lock()
	if _, running := r.inflight[name]; running {
		r.mu.Unlock()
		r.logger.Warn().
			Str("job_name", name).
			Str("action", "run_rejected").
			Msg("Run rejected, previous execution still in flight")
		return Outcome{Status: OutcomeRejected, Err: ErrStillRunning}
	}
	execCtx := newExecutionContext(parent, name, cfg.ExecutionTimeout, memBefore)
	r.inflight[name] = execCtx
	breaker := r.breakerLocked(name, cfg)
	r.mu.Unlock()

	defer func() {
		execCtx.Cancel()
		r.mu.Lock()
		delete(r.inflight, name)
		r.mu.Unlock()
	}()

	runLogger := r.logger.WithRequestID(execCtx.CorrelationID).WithJob(name)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, r.runWithRetries(execCtx, job, cfg, runLogger)
	})

	outcome := Outcome{
		Duration:      execCtx.Elapsed(),
		Attempts:      execCtx.RetryCount + 1,
		MemoryDeltaMB: heapUsedMB() - memBefore,
		Err:           err,
	}

	switch {
	case err == nil:
		outcome.Status = OutcomeSuccess
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		// Breaker short-circuit: the body never ran this cycle. Still a
		// failure for health purposes so the recovery engine sees it.
		outcome.Status = OutcomeFailure
		outcome.Attempts = 0
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Status = OutcomeTimeout
	default:
		outcome.Status = OutcomeFailure
	}

	runLogger.LogJobComplete(name, outcome.Duration, outcome.Attempts, outcome.MemoryDeltaMB)

	return outcome
}

// runWithRetries performs the initial attempt plus retries, honoring the
// cycle's cancellation handle between attempts.
func (r *Runner) runWithRetries(execCtx *ExecutionContext, job Job, cfg JobConfig, runLogger *logger.Logger) error {
	var lastErr error
	maxAttempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			execCtx.RetryCount = attempt - 1
			runLogger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Err(lastErr).
				Str("action", "job_retry").
				Msg("Retrying job execution after failure")

			select {
			case <-time.After(cfg.RetryDelay):
			case <-execCtx.Context().Done():
				return execCtx.Context().Err()
			}
		}

		lastErr = r.attempt(execCtx, job, cfg)
		if lastErr == nil {
			if attempt > 1 {
				runLogger.Info().
					Int("attempt", attempt).
					Str("action", "job_retry_success").
					Msg("Job succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// attempt runs the job body once under the per-attempt timeout, converting
// panics into errors so a misbehaving body never crashes the supervisor.
func (r *Runner) attempt(execCtx *ExecutionContext, job Job, cfg JobConfig) (err error) {
	ctx, cancel := context.WithTimeout(execCtx.Context(), cfg.ExecutionTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), rec)
		}
	}()

	err = job.Execute(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// shouldRetry reports whether a failed attempt should be retried.
// Cancellation and timeout end the cycle immediately.
func shouldRetry(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// breakerLocked returns the job's circuit breaker, creating it on first use.
// Caller must hold r.mu.
func (r *Runner) breakerLocked(name string, cfg JobConfig) *gobreaker.CircuitBreaker {
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	// Trip well past the health tracker's error threshold so the breaker
	// only short-circuits jobs that keep hot-failing across cycles.
	tripAfter := uint32(cfg.ErrorThreshold * 3)
	if tripAfter < 5 {
		tripAfter = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RestartDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().
				Str("job_name", name).
				Str("action", "breaker_state_change").
				Str("from_state", from.String()).
				Str("to_state", to.String()).
				Msg("Job circuit breaker state changed")
		},
	})
	r.breakers[name] = cb
	return cb
}

// ResetBreaker discards the job's breaker state. Called after a restart so
// a recovered job is not short-circuited by its pre-restart failures.
func (r *Runner) ResetBreaker(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// IsRunning reports whether the job has a live ExecutionContext.
func (r *Runner) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.inflight[name]
	return running
}

// CancelRun signals the job's in-flight cancellation handle, if any.
func (r *Runner) CancelRun(name string) {
	r.mu.Lock()
	execCtx := r.inflight[name]
	r.mu.Unlock()
	if execCtx != nil {
		execCtx.Cancel()
	}
}

// WaitIdle blocks until the job has no in-flight run or the grace period
// elapses. Returns true if the job went idle in time.
func (r *Runner) WaitIdle(name string, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !r.IsRunning(name) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !r.IsRunning(name)
}

// heapUsedMB samples the current heap allocation in MB.
func heapUsedMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1024 * 1024)
}
