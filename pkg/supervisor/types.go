package supervisor

import (
	"context"
	"fmt"
	"time"
)

// JobStatus classifies a job's current reliability as seen by the supervisor.
type JobStatus string

const (
	StatusStarting  JobStatus = "starting"
	StatusHealthy   JobStatus = "healthy"
	StatusDegraded  JobStatus = "degraded"
	StatusUnhealthy JobStatus = "unhealthy"
	StatusStopping  JobStatus = "stopping"
	StatusStopped   JobStatus = "stopped"
)

// allowedTransitions defines the legal edges of the job health state machine.
// Stopping is reachable from any state via explicit stop; stopped only via
// stopping; a stopped job re-enters the machine through starting.
var allowedTransitions = map[JobStatus][]JobStatus{
	StatusStarting:  {StatusHealthy, StatusDegraded, StatusUnhealthy, StatusStopping},
	StatusHealthy:   {StatusDegraded, StatusUnhealthy, StatusStopping},
	StatusDegraded:  {StatusHealthy, StatusUnhealthy, StatusStopping},
	StatusUnhealthy: {StatusHealthy, StatusDegraded, StatusStopping},
	StatusStopping:  {StatusStopped},
	StatusStopped:   {StatusStarting},
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the state machine.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the unit of recurring background work managed by the supervisor.
// Execute must honor context cancellation; there is no preemptive kill.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// HealthChecker is implemented by jobs that expose an out-of-band probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Cleaner is implemented by jobs that can release internal caches on demand.
// Cleanup returns the estimated MB freed.
type Cleaner interface {
	Cleanup(ctx context.Context) float64
}

// StartHook is implemented by jobs that need setup before scheduling begins.
type StartHook interface {
	OnStart(ctx context.Context) error
}

// StopHook is implemented by jobs that need teardown after scheduling ends.
type StopHook interface {
	OnStop(ctx context.Context) error
}

// JobConfig holds the immutable per-registration settings for a job.
// Re-registering a name replaces the previous config wholesale.
type JobConfig struct {
	Name                string        `json:"name"`
	Enabled             bool          `json:"enabled"`
	Schedule            string        `json:"schedule"` // cron expression or "@every <duration>"
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	ExecutionTimeout    time.Duration `json:"execution_timeout"`
	MemoryThresholdMB   float64       `json:"memory_threshold_mb"`
	ErrorThreshold      int           `json:"error_threshold"`
	RestartDelay        time.Duration `json:"restart_delay"`
	MaxRestartAttempts  int           `json:"max_restart_attempts"`
	Priority            int           `json:"priority"` // lower starts earlier within a phase
	DependsOn           []string      `json:"depends_on"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	RunOnStart          bool          `json:"run_on_start"`
}

// DefaultJobConfig returns sensible defaults for a supervised job.
func DefaultJobConfig(name, schedule string) JobConfig {
	return JobConfig{
		Name:                name,
		Enabled:             true,
		Schedule:            schedule,
		MaxRetries:          2,
		RetryDelay:          5 * time.Second,
		ExecutionTimeout:    10 * time.Minute,
		MemoryThresholdMB:   128,
		ErrorThreshold:      3,
		RestartDelay:        30 * time.Second,
		MaxRestartAttempts:  3,
		Priority:            10,
		HealthCheckInterval: 1 * time.Minute,
	}
}

// Validate checks registration-time invariants. These are the only errors the
// supervisor surfaces as hard failures.
func (c *JobConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if c.Schedule == "" {
		return fmt.Errorf("job %s: schedule cannot be empty", c.Name)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("job %s: max retries cannot be negative", c.Name)
	}
	if c.ErrorThreshold < 1 {
		return fmt.Errorf("job %s: error threshold must be at least 1", c.Name)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("job %s: execution timeout must be positive", c.Name)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("job %s: max restart attempts cannot be negative", c.Name)
	}
	for _, dep := range c.DependsOn {
		if dep == c.Name {
			return fmt.Errorf("job %s: cannot depend on itself", c.Name)
		}
	}
	return nil
}

// LastExecution records the most recent run of a job.
type LastExecution struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobHealth is the mutable per-job view owned by the health tracker.
// Readers always receive copies, never the live struct.
type JobHealth struct {
	Name                string        `json:"name"`
	Status              JobStatus     `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	MemoryUsageMB       float64       `json:"memory_usage_mb"`
	ErrorRate           float64       `json:"error_rate"`
	AverageExecution    time.Duration `json:"average_execution"`
	LastExecution       LastExecution `json:"last_execution"`
	StartedAt           time.Time     `json:"started_at"`
	Uptime              time.Duration `json:"uptime"`
	RestartCount        int           `json:"restart_count"`
	NextScheduledRun    time.Time     `json:"next_scheduled_run"`
}

// JobMetrics holds cumulative counters for a job. Counters never decrease
// except through an explicit reset_errors recovery action.
type JobMetrics struct {
	Name            string        `json:"name"`
	TotalExecutions int64         `json:"total_executions"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	MinExecution    time.Duration `json:"min_execution"`
	AvgExecution    time.Duration `json:"avg_execution"`
	MaxExecution    time.Duration `json:"max_execution"`
	PeakMemoryMB    float64       `json:"peak_memory_mb"`
	RestartCount    int64         `json:"restart_count"`
}

// RecoveryActionType enumerates the remediation steps the recovery engine
// can take.
type RecoveryActionType string

const (
	ActionRestart         RecoveryActionType = "restart"
	ActionStop            RecoveryActionType = "stop"
	ActionResetErrors     RecoveryActionType = "reset_errors"
	ActionMemoryCleanup   RecoveryActionType = "memory_cleanup"
	ActionDependencyCheck RecoveryActionType = "dependency_check"
)

// RecoveryAction is an append-only log entry describing one remediation step.
type RecoveryAction struct {
	Type      RecoveryActionType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	JobName   string             `json:"job_name"`
	Reason    string             `json:"reason"`
	Success   bool               `json:"success"`
	Duration  time.Duration      `json:"duration"`
	Details   string             `json:"details,omitempty"`
}

// OutcomeStatus classifies the result of a single run cycle.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeFailure  OutcomeStatus = "failure"
	OutcomeTimeout  OutcomeStatus = "timeout"
	OutcomeRejected OutcomeStatus = "rejected" // single-flight collision or open breaker
)

// Outcome is the runner's verdict on one run cycle (initial attempt plus
// any retries).
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	Duration      time.Duration `json:"duration"`
	Attempts      int           `json:"attempts"`
	MemoryDeltaMB float64       `json:"memory_delta_mb"`
	Err           error         `json:"-"`
}

// Failed reports whether the outcome counts as a failure for health purposes.
// Timeouts count; single-flight rejections do not.
func (o Outcome) Failed() bool {
	return o.Status == OutcomeFailure || o.Status == OutcomeTimeout
}
