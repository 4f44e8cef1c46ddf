package supervisor

import (
	"sync"
	"time"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
)

// executionWindowSize bounds the rolling window used for error rate and
// average execution time.
const executionWindowSize = 100

// degradedErrorRate is the windowed error rate above which a job is
// classified degraded even without consecutive failures.
const degradedErrorRate = 0.20

// TransitionEvent describes one state machine edge taken by a job.
type TransitionEvent struct {
	JobName string
	From    JobStatus
	To      JobStatus
	At      time.Time
}

type windowEntry struct {
	success  bool
	duration time.Duration
}

type trackedJob struct {
	health            JobHealth
	memoryThresholdMB float64
	errorThreshold    int
	window            []windowEntry
	lastTwoSuccesses  bool
	prevSuccess       bool
}

// Tracker is the per-job health state machine, fed by runner outcomes and
// health probes. It owns all JobHealth values; readers get copies.
type Tracker struct {
	logger *logger.Logger

	mu   sync.RWMutex
	jobs map[string]*trackedJob

	// onTransition is invoked outside the lock after each state change.
	// The supervisor uses it to enqueue recovery without blocking the
	// timer path.
	onTransition func(TransitionEvent)
}

// NewTracker creates a health tracker.
func NewTracker(log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.New("health-tracker")
	}
	return &Tracker{
		logger: log,
		jobs:   make(map[string]*trackedJob),
	}
}

// SetTransitionHandler registers the observer invoked after each transition.
func (t *Tracker) SetTransitionHandler(fn func(TransitionEvent)) {
	t.mu.Lock()
	t.onTransition = fn
	t.mu.Unlock()
}

// Register creates the job's health record. The job starts in stopped and
// enters the machine through MarkStarting. Re-registration resets health.
func (t *Tracker) Register(cfg JobConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs[cfg.Name] = &trackedJob{
		health: JobHealth{
			Name:   cfg.Name,
			Status: StatusStopped,
		},
		memoryThresholdMB: cfg.MemoryThresholdMB,
		errorThreshold:    cfg.ErrorThreshold,
	}
}

// MarkStarting moves the job into starting. Legal only from stopped.
func (t *Tracker) MarkStarting(name string) {
	t.transition(name, StatusStarting, func(j *trackedJob) {
		j.health.StartedAt = time.Now()
		j.health.Uptime = 0
	})
}

// MarkStopping moves the job into stopping.
func (t *Tracker) MarkStopping(name string) {
	t.transition(name, StatusStopping, nil)
}

// MarkStopped moves the job into stopped.
func (t *Tracker) MarkStopped(name string) {
	t.transition(name, StatusStopped, nil)
}

// IncrementRestarts bumps the job's restart counter.
func (t *Tracker) IncrementRestarts(name string) {
	t.mu.Lock()
	if j, ok := t.jobs[name]; ok {
		j.health.RestartCount++
	}
	t.mu.Unlock()
}

// SetMemoryUsage records the job's current memory attribution. Crossing the
// configured threshold degrades a healthy job.
func (t *Tracker) SetMemoryUsage(name string, usageMB float64) {
	t.mu.Lock()
	j, ok := t.jobs[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	j.health.MemoryUsageMB = usageMB
	var event *TransitionEvent
	if usageMB > j.memoryThresholdMB && j.health.Status == StatusHealthy {
		event = t.moveLocked(j, StatusDegraded)
	}
	fn := t.onTransition
	t.mu.Unlock()

	if event != nil && fn != nil {
		fn(*event)
	}
}

// SetNextScheduledRun records when the job's schedule next fires.
func (t *Tracker) SetNextScheduledRun(name string, next time.Time) {
	t.mu.Lock()
	if j, ok := t.jobs[name]; ok {
		j.health.NextScheduledRun = next
	}
	t.mu.Unlock()
}

// RecordOutcome folds a runner outcome into the job's health state.
// Rejected outcomes are ignored: the previous run is still accounting.
func (t *Tracker) RecordOutcome(name string, outcome Outcome) {
	if outcome.Status == OutcomeRejected {
		return
	}

	t.mu.Lock()
	j, ok := t.jobs[name]
	if !ok || j.health.Status == StatusStopping || j.health.Status == StatusStopped {
		t.mu.Unlock()
		return
	}

	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	j.health.LastExecution = LastExecution{
		Timestamp: time.Now(),
		Duration:  outcome.Duration,
		Success:   !outcome.Failed(),
		Error:     errMsg,
	}
	j.health.Uptime = time.Since(j.health.StartedAt)

	j.window = append(j.window, windowEntry{success: !outcome.Failed(), duration: outcome.Duration})
	if len(j.window) > executionWindowSize {
		j.window = j.window[len(j.window)-executionWindowSize:]
	}
	j.health.ErrorRate = windowErrorRate(j.window)
	j.health.AverageExecution = windowAverage(j.window)

	var event *TransitionEvent
	if outcome.Failed() {
		j.health.ConsecutiveFailures++
		j.lastTwoSuccesses = false
		j.prevSuccess = false

		if j.health.ConsecutiveFailures >= j.errorThreshold {
			event = t.moveLocked(j, StatusUnhealthy)
		} else {
			event = t.moveLocked(j, StatusDegraded)
		}
	} else {
		j.lastTwoSuccesses = j.prevSuccess
		j.prevSuccess = true
		j.health.ConsecutiveFailures = 0

		if j.health.MemoryUsageMB <= j.memoryThresholdMB && j.health.ErrorRate <= degradedErrorRate {
			event = t.moveLocked(j, StatusHealthy)
		} else if j.health.Status == StatusStarting {
			event = t.moveLocked(j, StatusDegraded)
		}
	}

	fn := t.onTransition
	t.mu.Unlock()

	if event != nil && fn != nil {
		fn(*event)
	}
}

// RecordProbe folds a health check result into the state machine. A passing
// probe promotes a starting job the same way a first success does.
func (t *Tracker) RecordProbe(name string, err error) {
	t.mu.Lock()
	j, ok := t.jobs[name]
	if !ok || j.health.Status == StatusStopping || j.health.Status == StatusStopped {
		t.mu.Unlock()
		return
	}

	var event *TransitionEvent
	if err == nil {
		if j.health.Status == StatusStarting &&
			j.health.MemoryUsageMB <= j.memoryThresholdMB &&
			j.health.ErrorRate <= degradedErrorRate {
			event = t.moveLocked(j, StatusHealthy)
		}
	} else if j.health.Status == StatusHealthy {
		event = t.moveLocked(j, StatusDegraded)
	}

	fn := t.onTransition
	t.mu.Unlock()

	if event != nil && fn != nil {
		fn(*event)
	}
}

// ResetErrors clears historical error counters so a recovered job is not
// stuck with a stale degraded classification.
func (t *Tracker) ResetErrors(name string) {
	t.mu.Lock()
	if j, ok := t.jobs[name]; ok {
		j.health.ConsecutiveFailures = 0
		j.window = nil
		j.health.ErrorRate = 0
	}
	t.mu.Unlock()
}

// HadTwoConsecutiveSuccesses reports whether the job's last two recorded
// outcomes were both successes.
func (t *Tracker) HadTwoConsecutiveSuccesses(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if j, ok := t.jobs[name]; ok {
		return j.lastTwoSuccesses && j.prevSuccess
	}
	return false
}

// Status returns the job's current status.
func (t *Tracker) Status(name string) JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if j, ok := t.jobs[name]; ok {
		return j.health.Status
	}
	return StatusStopped
}

// Health returns a copy of the job's health record.
func (t *Tracker) Health(name string) (JobHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[name]
	if !ok {
		return JobHealth{}, false
	}
	h := j.health
	if h.Status != StatusStopped && !h.StartedAt.IsZero() {
		h.Uptime = time.Since(h.StartedAt)
	}
	return h, true
}

// AllHealth returns copies of every registered job's health record.
func (t *Tracker) AllHealth() map[string]JobHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]JobHealth, len(t.jobs))
	for name, j := range t.jobs {
		h := j.health
		if h.Status != StatusStopped && !h.StartedAt.IsZero() {
			h.Uptime = time.Since(h.StartedAt)
		}
		out[name] = h
	}
	return out
}

// TrimWindows drops the older half of every job's execution window and
// returns the number of entries removed. Used as a memory cleanup target.
func (t *Tracker) TrimWindows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for _, j := range t.jobs {
		if len(j.window) > 1 {
			cut := len(j.window) / 2
			j.window = append([]windowEntry(nil), j.window[cut:]...)
			removed += cut
		}
	}
	return removed
}

// transition applies a status change with an optional mutation hook.
func (t *Tracker) transition(name string, to JobStatus, mutate func(*trackedJob)) {
	t.mu.Lock()
	j, ok := t.jobs[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate(j)
	}
	event := t.moveLocked(j, to)
	fn := t.onTransition
	t.mu.Unlock()

	if event != nil && fn != nil {
		fn(*event)
	}
}

// moveLocked takes a state machine edge if it is legal, returning the event
// to emit. Illegal edges are logged and ignored. Caller must hold t.mu.
func (t *Tracker) moveLocked(j *trackedJob, to JobStatus) *TransitionEvent {
	from := j.health.Status
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		t.logger.Warn().
			Str("job_name", j.health.Name).
			Str("from_status", string(from)).
			Str("to_status", string(to)).
			Str("action", "illegal_transition").
			Msg("Ignoring illegal health state transition")
		return nil
	}

	j.health.Status = to
	t.logger.LogStateTransition(j.health.Name, string(from), string(to), j.health.ConsecutiveFailures)

	return &TransitionEvent{
		JobName: j.health.Name,
		From:    from,
		To:      to,
		At:      time.Now(),
	}
}

func windowErrorRate(window []windowEntry) float64 {
	if len(window) == 0 {
		return 0
	}
	failures := 0
	for _, e := range window {
		if !e.success {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}

func windowAverage(window []windowEntry) time.Duration {
	if len(window) == 0 {
		return 0
	}
	var total time.Duration
	for _, e := range window {
		total += e.duration
	}
	return total / time.Duration(len(window))
}
