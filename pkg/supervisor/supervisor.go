package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
)

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	Logger              *logger.Logger
	Cleaner             MemoryCleaner
	Metrics             *Metrics
	PhaseTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	DependencyTimeout   time.Duration
	RecoveryQueueSize   int
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logger.New("supervisor")
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = 30 * time.Second
	}
	if o.ShutdownGracePeriod <= 0 {
		o.ShutdownGracePeriod = 30 * time.Second
	}
	if o.DependencyTimeout <= 0 {
		o.DependencyTimeout = 15 * time.Second
	}
	if o.RecoveryQueueSize <= 0 {
		o.RecoveryQueueSize = 32
	}
}

type registration struct {
	cfg        JobConfig
	job        Job
	metrics    JobMetrics
	scheduleID cron.EntryID
	healthID   cron.EntryID
	scheduled  bool
	disabled   bool
	memoryMB   float64
}

// Supervisor owns the set of registered jobs, drives their timers on one
// shared cron scheduler, and coordinates dependency-phased startup and
// shutdown. Construct one per process and pass it to whatever owns the
// process lifecycle; there is no package-level instance.
type Supervisor struct {
	logger  *logger.Logger
	opts    Options
	cron    *cron.Cron
	runner  *Runner
	tracker *Tracker
	engine  *Engine
	metrics *Metrics

	mu   sync.RWMutex
	jobs map[string]*registration

	recoveryCh chan string
	closeOnce  sync.Once
	closed     chan struct{}
	workerWG   sync.WaitGroup
}

// New creates a supervisor and starts its shared timer loop and recovery
// worker. Call Close to release them.
func New(opts Options) *Supervisor {
	opts.applyDefaults()

	s := &Supervisor{
		logger:     opts.Logger,
		opts:       opts,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		runner:     NewRunner(opts.Logger),
		tracker:    NewTracker(opts.Logger),
		metrics:    opts.Metrics,
		jobs:       make(map[string]*registration),
		recoveryCh: make(chan string, opts.RecoveryQueueSize),
		closed:     make(chan struct{}),
	}
	s.engine = NewEngine(opts.Logger, s.tracker, s.runner, opts.Cleaner, s, opts.DependencyTimeout)

	// Transitions into degraded or unhealthy enqueue recovery; the timer
	// path never waits on it.
	s.tracker.SetTransitionHandler(func(ev TransitionEvent) {
		if ev.To == StatusDegraded || ev.To == StatusUnhealthy {
			s.enqueueRecovery(ev.JobName)
		}
	})

	s.workerWG.Add(1)
	go s.recoveryWorker()

	s.cron.Start()
	return s
}

// Close stops all jobs, the timer loop and the recovery worker.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.StopAll()
		close(s.closed)
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.workerWG.Wait()
	})
}

// Register adds or replaces a job under cfg.Name. Malformed configs fail
// here, before the job is ever scheduled.
func (s *Supervisor) Register(cfg JobConfig, job Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Name != job.Name() {
		return fmt.Errorf("config name %q does not match job name %q", cfg.Name, job.Name())
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", cfg.Name, cfg.Schedule, err)
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}

	s.mu.Lock()
	if existing, ok := s.jobs[cfg.Name]; ok && existing.scheduled {
		s.cron.Remove(existing.scheduleID)
		s.cron.Remove(existing.healthID)
	}
	s.jobs[cfg.Name] = &registration{
		cfg:     cfg,
		job:     job,
		metrics: JobMetrics{Name: cfg.Name},
	}
	s.mu.Unlock()

	s.tracker.Register(cfg)

	s.logger.Info().
		Str("action", "register_job").
		Str("job_name", cfg.Name).
		Str("schedule", cfg.Schedule).
		Int("priority", cfg.Priority).
		Strs("depends_on", cfg.DependsOn).
		Msg("Registered job")

	return nil
}

// Start schedules one job: its recurring run timer plus an independent
// health-check timer that fires even when the job itself hasn't.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	reg, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s is not registered", name)
	}
	if reg.disabled {
		s.mu.Unlock()
		return fmt.Errorf("job %s is permanently disabled", name)
	}
	if !reg.cfg.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("job %s is not enabled", name)
	}
	if reg.scheduled {
		s.mu.Unlock()
		return nil
	}
	cfg := reg.cfg
	job := reg.job
	s.mu.Unlock()

	s.tracker.MarkStarting(name)

	if hook, ok := job.(StartHook); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := hook.OnStart(ctx)
		cancel()
		if err != nil {
			s.tracker.MarkStopping(name)
			s.tracker.MarkStopped(name)
			return fmt.Errorf("job %s: start hook failed: %w", name, err)
		}
	}

	scheduleID, err := s.cron.AddFunc(cfg.Schedule, func() { s.runJob(name) })
	if err != nil {
		s.tracker.MarkStopping(name)
		s.tracker.MarkStopped(name)
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	healthID := s.cron.Schedule(cron.Every(cfg.HealthCheckInterval), cron.FuncJob(func() {
		s.PerformHealthCheck(name)
	}))

	s.mu.Lock()
	reg.scheduleID = scheduleID
	reg.healthID = healthID
	reg.scheduled = true
	s.mu.Unlock()

	s.tracker.SetNextScheduledRun(name, s.cron.Entry(scheduleID).Next)

	s.logger.Info().
		Str("action", "job_started").
		Str("job_name", name).
		Str("schedule", cfg.Schedule).
		Msg("Job scheduled")

	if cfg.RunOnStart {
		go s.runJob(name)
	}
	// Probe immediately so a quiet job can leave starting without
	// waiting for its first scheduled run.
	go s.PerformHealthCheck(name)

	return nil
}

// Stop unschedules one job, giving its in-flight run the grace period to
// finish before the cancellation handle is signaled.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	reg, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s is not registered", name)
	}
	if !reg.scheduled {
		s.mu.Unlock()
		return nil
	}
	s.cron.Remove(reg.scheduleID)
	s.cron.Remove(reg.healthID)
	reg.scheduled = false
	job := reg.job
	s.mu.Unlock()

	s.tracker.MarkStopping(name)

	if !s.runner.WaitIdle(name, s.opts.ShutdownGracePeriod) {
		s.logger.Warn().
			Str("job_name", name).
			Str("action", "grace_period_expired").
			Msg("Job did not finish within grace period, cancelling")
		s.runner.CancelRun(name)
		if !s.runner.WaitIdle(name, 2*time.Second) {
			s.logger.Warn().
				Str("job_name", name).
				Str("action", "straggler").
				Msg("Job ignored cancellation, proceeding with shutdown")
		}
	}

	if hook, ok := job.(StopHook); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := hook.OnStop(ctx); err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_name", name).
				Str("action", "stop_hook_failed").
				Msg("Job stop hook failed")
		}
		cancel()
	}

	s.tracker.MarkStopped(name)

	s.logger.Info().
		Str("action", "job_stopped").
		Str("job_name", name).
		Msg("Job stopped")

	return nil
}

// Restart stops then re-starts the job, counted toward its restart count
// and gated by the configured restart delay.
func (s *Supervisor) Restart(name string) error {
	s.mu.RLock()
	reg, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("job %s is not registered", name)
	}
	delay := reg.cfg.RestartDelay
	s.mu.RUnlock()

	if err := s.Stop(name); err != nil {
		return err
	}

	select {
	case <-time.After(delay):
	case <-s.closed:
		return fmt.Errorf("supervisor closed during restart of %s", name)
	}

	s.tracker.IncrementRestarts(name)
	s.mu.Lock()
	reg.metrics.RestartCount++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.JobRestartsTotal.WithLabelValues(name).Inc()
	}

	return s.Start(name)
}

// StartAll starts every enabled job in dependency-respecting phases,
// ordered by ascending priority within each phase. A phase that times out
// logs a warning and does not block later phases.
func (s *Supervisor) StartAll() {
	phases := s.startupPhases()

	for i, phase := range phases {
		s.logger.Info().
			Int("phase", i+1).
			Strs("jobs", phase).
			Str("action", "startup_phase").
			Msg("Starting phase")

		for _, name := range phase {
			if err := s.Start(name); err != nil {
				s.logger.Error().
					Err(err).
					Str("job_name", name).
					Str("action", "start_failed").
					Msg("Failed to start job")
			}
		}

		s.waitForPhase(phase)
	}
}

// waitForPhase blocks until every job in the phase reaches healthy or the
// phase timeout elapses.
func (s *Supervisor) waitForPhase(phase []string) {
	deadline := time.Now().Add(s.opts.PhaseTimeout)
	for time.Now().Before(deadline) {
		allHealthy := true
		for _, name := range phase {
			if s.tracker.Status(name) != StatusHealthy {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	var laggards []string
	for _, name := range phase {
		if s.tracker.Status(name) != StatusHealthy {
			laggards = append(laggards, name)
		}
	}
	if len(laggards) > 0 {
		s.logger.Warn().
			Strs("jobs", laggards).
			Str("action", "phase_timeout").
			Msg("Phase timed out waiting for healthy, continuing anyway")
	}
}

// StopAll stops every scheduled job in reverse dependency order.
func (s *Supervisor) StopAll() {
	phases := s.startupPhases()

	for i := len(phases) - 1; i >= 0; i-- {
		phase := phases[i]

		s.logger.Info().
			Int("phase", len(phases)-i).
			Strs("jobs", phase).
			Str("action", "shutdown_phase").
			Msg("Stopping phase")

		var wg sync.WaitGroup
		for _, name := range phase {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := s.Stop(name); err != nil {
					s.logger.Warn().
						Err(err).
						Str("job_name", name).
						Str("action", "stop_failed").
						Msg("Failed to stop job")
				}
			}(name)
		}
		wg.Wait()
	}
}

// startupPhases topologically groups enabled jobs by dependency edges,
// ordering each phase by ascending priority. A cyclic or misconfigured
// graph degrades to starting the remainder in one final phase.
func (s *Supervisor) startupPhases() [][]string {
	s.mu.RLock()
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	priorities := make(map[string]int)
	for name, reg := range s.jobs {
		if reg.disabled || !reg.cfg.Enabled {
			continue
		}
		indegree[name] = 0
		priorities[name] = reg.cfg.Priority
	}
	for name, reg := range s.jobs {
		if _, ok := indegree[name]; !ok {
			continue
		}
		for _, dep := range reg.cfg.DependsOn {
			if _, known := indegree[dep]; !known {
				s.logger.Warn().
					Str("job_name", name).
					Str("dependency", dep).
					Str("action", "unknown_dependency").
					Msg("Ignoring dependency on unregistered or disabled job")
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	s.mu.RUnlock()

	var phases [][]string
	remaining := len(indegree)

	for remaining > 0 {
		var phase []string
		for name, deg := range indegree {
			if deg == 0 {
				phase = append(phase, name)
			}
		}

		if len(phase) == 0 {
			// Dependency cycle: start whatever is left rather than
			// hanging forever.
			for name := range indegree {
				phase = append(phase, name)
			}
			s.logger.Warn().
				Strs("jobs", phase).
				Str("action", "dependency_cycle").
				Msg("Dependency cycle detected, starting remaining jobs in one phase")
			sortPhase(phase, priorities)
			phases = append(phases, phase)
			break
		}

		sortPhase(phase, priorities)
		phases = append(phases, phase)

		for _, name := range phase {
			delete(indegree, name)
			remaining--
			for _, dependent := range dependents[name] {
				if _, ok := indegree[dependent]; ok {
					indegree[dependent]--
				}
			}
		}
	}

	return phases
}

func sortPhase(phase []string, priorities map[string]int) {
	sort.Slice(phase, func(i, j int) bool {
		if priorities[phase[i]] != priorities[phase[j]] {
			return priorities[phase[i]] < priorities[phase[j]]
		}
		return phase[i] < phase[j]
	})
}

// runJob executes one run cycle and folds the outcome into health and
// metrics. This is the body of each job's recurring timer.
func (s *Supervisor) runJob(name string) {
	s.mu.RLock()
	reg, ok := s.jobs[name]
	if !ok || !reg.scheduled {
		s.mu.RUnlock()
		return
	}
	cfg := reg.cfg
	job := reg.job
	s.mu.RUnlock()

	status := s.tracker.Status(name)
	if status == StatusStopping || status == StatusStopped {
		return
	}

	if s.metrics != nil {
		s.metrics.JobsCurrentlyRunning.Inc()
		defer s.metrics.JobsCurrentlyRunning.Dec()
	}

	outcome := s.runner.Run(context.Background(), job, cfg)

	s.recordOutcome(name, reg, outcome)
	s.tracker.RecordOutcome(name, outcome)

	s.mu.RLock()
	if reg.scheduled {
		s.tracker.SetNextScheduledRun(name, s.cron.Entry(reg.scheduleID).Next)
	}
	s.mu.RUnlock()
}

// recordOutcome updates the job's cumulative metrics and memory attribution.
func (s *Supervisor) recordOutcome(name string, reg *registration, outcome Outcome) {
	if outcome.Status == OutcomeRejected {
		return
	}

	s.mu.Lock()
	m := &reg.metrics
	m.TotalExecutions++
	if outcome.Failed() {
		m.FailureCount++
	} else {
		m.SuccessCount++
	}
	if m.MinExecution == 0 || outcome.Duration < m.MinExecution {
		m.MinExecution = outcome.Duration
	}
	if outcome.Duration > m.MaxExecution {
		m.MaxExecution = outcome.Duration
	}
	m.AvgExecution = time.Duration((int64(m.AvgExecution)*(m.TotalExecutions-1) + int64(outcome.Duration)) / m.TotalExecutions)

	reg.memoryMB += outcome.MemoryDeltaMB
	if reg.memoryMB < 0 {
		reg.memoryMB = 0
	}
	if reg.memoryMB > m.PeakMemoryMB {
		m.PeakMemoryMB = reg.memoryMB
	}
	memoryMB := reg.memoryMB
	s.mu.Unlock()

	s.tracker.SetMemoryUsage(name, memoryMB)

	if s.metrics != nil {
		s.metrics.JobsExecutedTotal.WithLabelValues(name, string(outcome.Status)).Inc()
		s.metrics.JobDurationSeconds.WithLabelValues(name).Observe(outcome.Duration.Seconds())
		s.metrics.JobMemoryUsageMB.WithLabelValues(name).Set(memoryMB)
	}
}

// PerformHealthCheck probes one job out of band from its schedule. Jobs
// without a probe are considered passing when their last run did not fail.
func (s *Supervisor) PerformHealthCheck(name string) {
	s.mu.RLock()
	reg, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return
	}
	job := reg.job
	scheduled := reg.scheduled
	scheduleID := reg.scheduleID
	s.mu.RUnlock()

	if !scheduled {
		return
	}

	var err error
	if hc, ok := job.(HealthChecker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = hc.HealthCheck(ctx)
		cancel()
	}
	s.tracker.RecordProbe(name, err)
	s.tracker.SetNextScheduledRun(name, s.cron.Entry(scheduleID).Next)
}

// PerformRecovery runs the recovery engine's decision policy for one job.
func (s *Supervisor) PerformRecovery(name string) []RecoveryAction {
	return s.engine.PerformRecovery(context.Background(), name)
}

// Health returns a copy of one job's health record.
func (s *Supervisor) Health(name string) (JobHealth, bool) {
	return s.tracker.Health(name)
}

// AllHealth returns copies of every job's health record.
func (s *Supervisor) AllHealth() map[string]JobHealth {
	return s.tracker.AllHealth()
}

// IsHealthy reports whether the job is currently healthy.
func (s *Supervisor) IsHealthy(name string) bool {
	return s.tracker.Status(name) == StatusHealthy
}

// Metrics returns a copy of one job's cumulative metrics.
func (s *Supervisor) JobMetricsFor(name string) (JobMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reg, ok := s.jobs[name]; ok {
		return reg.metrics, true
	}
	return JobMetrics{}, false
}

// AllMetrics returns copies of every job's cumulative metrics.
func (s *Supervisor) AllMetrics() map[string]JobMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]JobMetrics, len(s.jobs))
	for name, reg := range s.jobs {
		out[name] = reg.metrics
	}
	return out
}

// RecoveryActions returns a copy of the recovery action log.
func (s *Supervisor) RecoveryActions() []RecoveryAction {
	return s.engine.Actions()
}

// FatalAlerts returns a copy of the fatal alerts raised so far.
func (s *Supervisor) FatalAlerts() []FatalAlert {
	return s.engine.FatalAlerts()
}

// Tracker exposes the health tracker for cleanup strategy wiring.
func (s *Supervisor) Tracker() *Tracker {
	return s.tracker
}

// RestartJob implements the recovery engine's lifecycle contract.
func (s *Supervisor) RestartJob(name string) error {
	return s.Restart(name)
}

// DisableJob permanently disables a job. Only the recovery engine's
// exhaustion path and operators should call this.
func (s *Supervisor) DisableJob(name, reason string) error {
	if err := s.Stop(name); err != nil {
		return err
	}

	s.mu.Lock()
	if reg, ok := s.jobs[name]; ok {
		reg.disabled = true
		reg.cfg.Enabled = false
	}
	s.mu.Unlock()

	s.logger.Error().
		Str("job_name", name).
		Str("reason", reason).
		Str("action", "job_disabled").
		Msg("Job permanently disabled")

	return nil
}

// JobConfig implements the recovery engine's config lookup.
func (s *Supervisor) JobConfig(name string) (JobConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reg, ok := s.jobs[name]; ok {
		return reg.cfg, true
	}
	return JobConfig{}, false
}

// CleanupJob asks every registered job implementing Cleaner to release its
// caches, returning the MB reported freed. Used by cleanup strategies that
// are scoped to a single job.
func (s *Supervisor) CleanupJob(ctx context.Context, name string) float64 {
	s.mu.RLock()
	reg, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	freed := 0.0
	if cleaner, ok := reg.job.(Cleaner); ok {
		freed = cleaner.Cleanup(ctx)
	}

	s.mu.Lock()
	reg.memoryMB -= freed
	if reg.memoryMB < 0 {
		reg.memoryMB = 0
	}
	usage := reg.memoryMB
	s.mu.Unlock()

	s.tracker.SetMemoryUsage(name, usage)
	return freed
}

// enqueueRecovery hands a job to the recovery worker without blocking the
// caller. A full queue drops the request with a warning; the next health
// transition will re-enqueue it.
func (s *Supervisor) enqueueRecovery(name string) {
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.recoveryCh <- name:
	default:
		s.logger.Warn().
			Str("job_name", name).
			Str("action", "recovery_queue_full").
			Msg("Recovery queue full, dropping request")
	}
}

func (s *Supervisor) recoveryWorker() {
	defer s.workerWG.Done()
	for {
		select {
		case <-s.closed:
			return
		case name := <-s.recoveryCh:
			actions := s.engine.PerformRecovery(context.Background(), name)
			if s.metrics != nil {
				for _, a := range actions {
					s.metrics.RecoveryActionsTotal.WithLabelValues(string(a.Type), strconv.FormatBool(a.Success)).Inc()
				}
			}
		}
	}
}
