package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
)

// actionLogCap bounds the append-only recovery action log.
const actionLogCap = 500

// MemoryCleaner is the slice of the memory governor the recovery engine
// consumes: job-scoped cleanup with the MB freed reported back.
type MemoryCleaner interface {
	CleanupJob(ctx context.Context, jobName string) float64
}

// lifecycleController is the slice of the supervisor the recovery engine
// drives. Kept narrow so the engine is testable without a full supervisor.
type lifecycleController interface {
	RestartJob(name string) error
	DisableJob(name, reason string) error
	JobConfig(name string) (JobConfig, bool)
}

// FatalAlert is raised when the supervisor gives up on a job. This is the
// one condition requiring operator intervention.
type FatalAlert struct {
	JobName   string    `json:"job_name"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine inspects health tracker state plus memory governor signals and
// chooses recovery actions. A failed action is recorded, never thrown.
type Engine struct {
	logger     *logger.Logger
	tracker    *Tracker
	runner     *Runner
	cleaner    MemoryCleaner
	controller lifecycleController

	dependencyTimeout time.Duration

	mu           sync.Mutex
	actions      []RecoveryAction
	fatalAlerts  []FatalAlert
	lastRestarts map[string]time.Time
}

// NewEngine creates a recovery engine. cleaner may be nil when no memory
// governor is attached; memory_cleanup actions then report failure.
func NewEngine(log *logger.Logger, tracker *Tracker, runner *Runner, cleaner MemoryCleaner, controller lifecycleController, dependencyTimeout time.Duration) *Engine {
	if log == nil {
		log = logger.New("recovery-engine")
	}
	return &Engine{
		logger:            log,
		tracker:           tracker,
		runner:            runner,
		cleaner:           cleaner,
		controller:        controller,
		dependencyTimeout: dependencyTimeout,
		lastRestarts:      make(map[string]time.Time),
	}
}

// PerformRecovery evaluates the decision policy for the job and executes
// every applicable action. First match wins per action slot; independent
// slots may fire together in one pass.
func (e *Engine) PerformRecovery(ctx context.Context, name string) []RecoveryAction {
	cfg, ok := e.controller.JobConfig(name)
	if !ok {
		e.logger.Warn().
			Str("job_name", name).
			Str("action", "recovery_unknown_job").
			Msg("Recovery requested for unregistered job")
		return nil
	}

	health, _ := e.tracker.Health(name)
	var performed []RecoveryAction

	// Restart slot: unhealthy jobs get restarted until attempts are
	// exhausted, gated by the restart cooldown.
	if health.Status == StatusUnhealthy {
		if health.RestartCount < cfg.MaxRestartAttempts {
			if e.cooldownElapsed(name, cfg.RestartDelay) {
				performed = append(performed, e.doRestart(name, cfg))
			}
		} else {
			performed = append(performed, e.doPermanentStop(name, cfg))
		}
	}

	// Memory slot: over-threshold jobs get governor cleanup scoped to
	// their caches.
	if health.MemoryUsageMB >= cfg.MemoryThresholdMB && cfg.MemoryThresholdMB > 0 {
		performed = append(performed, e.doMemoryCleanup(ctx, name, health.MemoryUsageMB))
	}

	// Dependency slot: advisory wait, never a hard gate.
	if unmet := e.unmetDependencies(cfg); len(unmet) > 0 {
		performed = append(performed, e.doDependencyCheck(ctx, name, unmet))
	}

	// Error-reset slot: two consecutive successes clear stale counters.
	if e.tracker.HadTwoConsecutiveSuccesses(name) && health.ErrorRate > 0 {
		performed = append(performed, e.doResetErrors(name))
	}

	e.record(performed)
	return performed
}

func (e *Engine) doRestart(name string, cfg JobConfig) RecoveryAction {
	start := time.Now()
	action := RecoveryAction{
		Type:      ActionRestart,
		Timestamp: start,
		JobName:   name,
		Reason:    "job unhealthy, restart attempts remaining",
	}

	err := e.controller.RestartJob(name)
	if err == nil {
		e.runner.ResetBreaker(name)
		e.tracker.ResetErrors(name)
		e.mu.Lock()
		e.lastRestarts[name] = time.Now()
		e.mu.Unlock()
	} else {
		action.Details = err.Error()
	}

	action.Success = err == nil
	action.Duration = time.Since(start)
	e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
	return action
}

func (e *Engine) doPermanentStop(name string, cfg JobConfig) RecoveryAction {
	start := time.Now()
	reason := fmt.Sprintf("restart attempts exhausted (%d)", cfg.MaxRestartAttempts)
	action := RecoveryAction{
		Type:      ActionStop,
		Timestamp: start,
		JobName:   name,
		Reason:    reason,
	}

	err := e.controller.DisableJob(name, reason)
	if err != nil {
		action.Details = err.Error()
	} else {
		e.mu.Lock()
		e.fatalAlerts = append(e.fatalAlerts, FatalAlert{
			JobName:   name,
			Reason:    reason,
			Timestamp: time.Now(),
		})
		e.mu.Unlock()
		e.logger.Error().
			Str("job_name", name).
			Str("action", "job_abandoned").
			Str("reason", reason).
			Msg("Supervisor giving up on job, operator intervention required")
	}

	action.Success = err == nil
	action.Duration = time.Since(start)
	e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
	return action
}

func (e *Engine) doMemoryCleanup(ctx context.Context, name string, usageMB float64) RecoveryAction {
	start := time.Now()
	action := RecoveryAction{
		Type:      ActionMemoryCleanup,
		Timestamp: start,
		JobName:   name,
		Reason:    fmt.Sprintf("memory usage %.1fMB over threshold", usageMB),
	}

	if e.cleaner == nil {
		action.Success = false
		action.Details = "no memory governor attached"
	} else {
		freed := e.cleaner.CleanupJob(ctx, name)
		action.Success = true
		action.Details = fmt.Sprintf("freed %.1fMB", freed)
	}

	action.Duration = time.Since(start)
	e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
	return action
}

func (e *Engine) doDependencyCheck(ctx context.Context, name string, unmet []string) RecoveryAction {
	start := time.Now()
	action := RecoveryAction{
		Type:      ActionDependencyCheck,
		Timestamp: start,
		JobName:   name,
		Reason:    "dependencies not healthy: " + strings.Join(unmet, ","),
	}

	// Poll until the dependencies come up or the advisory timeout
	// expires. Proceeding on timeout avoids deadlocking the graph.
	waitCtx, cancel := context.WithTimeout(ctx, e.dependencyTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	satisfied := false
	for !satisfied {
		select {
		case <-waitCtx.Done():
			e.logger.Warn().
				Str("job_name", name).
				Strs("dependencies", unmet).
				Str("action", "dependency_wait_timeout").
				Msg("Dependency wait timed out, proceeding anyway")
			action.Details = "proceeded after timeout"
			action.Success = false
			action.Duration = time.Since(start)
			e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
			return action
		case <-ticker.C:
			satisfied = true
			for _, dep := range unmet {
				if e.tracker.Status(dep) != StatusHealthy {
					satisfied = false
					break
				}
			}
		}
	}

	action.Success = true
	action.Details = "dependencies healthy"
	action.Duration = time.Since(start)
	e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
	return action
}

func (e *Engine) doResetErrors(name string) RecoveryAction {
	start := time.Now()
	action := RecoveryAction{
		Type:      ActionResetErrors,
		Timestamp: start,
		JobName:   name,
		Reason:    "two consecutive successes",
		Success:   true,
	}

	e.tracker.ResetErrors(name)

	action.Duration = time.Since(start)
	e.logger.LogRecoveryAction(name, string(action.Type), action.Reason, action.Success, action.Duration)
	return action
}

// cooldownElapsed reports whether enough time has passed since the job's
// last engine-driven restart.
func (e *Engine) cooldownElapsed(name string, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastRestarts[name]
	return !ok || time.Since(last) >= cooldown
}

func (e *Engine) unmetDependencies(cfg JobConfig) []string {
	var unmet []string
	for _, dep := range cfg.DependsOn {
		if e.tracker.Status(dep) != StatusHealthy {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (e *Engine) record(actions []RecoveryAction) {
	if len(actions) == 0 {
		return
	}
	e.mu.Lock()
	e.actions = append(e.actions, actions...)
	if len(e.actions) > actionLogCap {
		e.actions = e.actions[len(e.actions)-actionLogCap:]
	}
	e.mu.Unlock()
}

// Actions returns a copy of the recovery action log.
func (e *Engine) Actions() []RecoveryAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RecoveryAction(nil), e.actions...)
}

// FatalAlerts returns a copy of the recorded fatal alerts.
func (e *Engine) FatalAlerts() []FatalAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FatalAlert(nil), e.fatalAlerts...)
}
