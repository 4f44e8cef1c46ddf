package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionContext is the per-run bookkeeping for one invocation of a job.
// It is owned exclusively by the single in-flight run; the runner guarantees
// at most one live ExecutionContext per job.
type ExecutionContext struct {
	JobName       string
	ExecutionID   string
	CorrelationID string
	StartTime     time.Time
	Timeout       time.Duration
	RetryCount    int
	MemoryAtStart float64

	ctx    context.Context
	cancel context.CancelFunc
}

// newExecutionContext creates the run-scoped context for a job invocation.
// Explicit stop and process shutdown signal the same cancellation handle;
// the per-attempt timeout is derived from it by the runner.
func newExecutionContext(parent context.Context, jobName string, timeout time.Duration, memoryAtStart float64) *ExecutionContext {
	ctx, cancel := context.WithCancel(parent)

	return &ExecutionContext{
		JobName:       jobName,
		ExecutionID:   uuid.New().String(),
		CorrelationID: uuid.New().String(),
		StartTime:     time.Now(),
		Timeout:       timeout,
		MemoryAtStart: memoryAtStart,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Context returns the cancellable context job bodies must observe.
func (e *ExecutionContext) Context() context.Context {
	return e.ctx
}

// Cancel signals the run's cancellation handle. Safe to call multiple times.
func (e *ExecutionContext) Cancel() {
	e.cancel()
}

// Elapsed returns the wall time since the run started.
func (e *ExecutionContext) Elapsed() time.Duration {
	return time.Since(e.StartTime)
}
