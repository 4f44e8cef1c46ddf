package memguard

import (
	"context"
	"runtime"
	"runtime/debug"
)

// FuncStrategy adapts a function into a CleanupStrategy. Used for wiring
// cleanup targets owned by other components without coupling the governor
// to them.
type FuncStrategy struct {
	name      string
	priority  int
	threshold float64
	enabled   bool
	run       func(ctx context.Context) float64
}

// NewFuncStrategy creates a function-backed cleanup strategy.
func NewFuncStrategy(name string, priority int, threshold float64, run func(ctx context.Context) float64) *FuncStrategy {
	return &FuncStrategy{
		name:      name,
		priority:  priority,
		threshold: threshold,
		enabled:   true,
		run:       run,
	}
}

func (s *FuncStrategy) Name() string       { return s.name }
func (s *FuncStrategy) Priority() int      { return s.priority }
func (s *FuncStrategy) Threshold() float64 { return s.threshold }
func (s *FuncStrategy) Enabled() bool      { return s.enabled }

// SetEnabled toggles the strategy.
func (s *FuncStrategy) SetEnabled(enabled bool) { s.enabled = enabled }

func (s *FuncStrategy) Run(ctx context.Context) float64 {
	if s.run == nil {
		return 0
	}
	return s.run(ctx)
}

// JobFuncStrategy is a FuncStrategy that can additionally target a single
// job's caches. The recovery engine reaches it through CleanupJob.
type JobFuncStrategy struct {
	FuncStrategy
	runForJob func(ctx context.Context, jobName string) float64
}

// NewJobFuncStrategy creates a job-scoped function-backed strategy.
func NewJobFuncStrategy(name string, priority int, threshold float64, run func(ctx context.Context) float64, runForJob func(ctx context.Context, jobName string) float64) *JobFuncStrategy {
	return &JobFuncStrategy{
		FuncStrategy: FuncStrategy{
			name:      name,
			priority:  priority,
			threshold: threshold,
			enabled:   true,
			run:       run,
		},
		runForJob: runForJob,
	}
}

func (s *JobFuncStrategy) RunForJob(ctx context.Context, jobName string) float64 {
	if s.runForJob == nil {
		return 0
	}
	return s.runForJob(ctx, jobName)
}

// CompactionStrategy forces a collection and returns freed OS pages.
type CompactionStrategy struct {
	priority  int
	threshold float64
}

// NewCompactionStrategy creates the GC/compaction strategy.
func NewCompactionStrategy(priority int, threshold float64) *CompactionStrategy {
	return &CompactionStrategy{priority: priority, threshold: threshold}
}

func (s *CompactionStrategy) Name() string       { return "gc_compaction" }
func (s *CompactionStrategy) Priority() int      { return s.priority }
func (s *CompactionStrategy) Threshold() float64 { return s.threshold }
func (s *CompactionStrategy) Enabled() bool      { return true }

func (s *CompactionStrategy) Run(ctx context.Context) float64 {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	freed := float64(before.HeapAlloc) - float64(after.HeapAlloc)
	if freed < 0 {
		freed = 0
	}
	return freed / (1 << 20)
}

// HistoryTrimStrategy truncates the governor's own sample history. A
// cleanup target of last resort: the buffers are bounded anyway, so this
// mostly matters when the history cap is configured large.
type HistoryTrimStrategy struct {
	governor  *Governor
	priority  int
	threshold float64
}

// NewHistoryTrimStrategy creates the history truncation strategy.
func NewHistoryTrimStrategy(g *Governor, priority int, threshold float64) *HistoryTrimStrategy {
	return &HistoryTrimStrategy{governor: g, priority: priority, threshold: threshold}
}

func (s *HistoryTrimStrategy) Name() string       { return "history_trim" }
func (s *HistoryTrimStrategy) Priority() int      { return s.priority }
func (s *HistoryTrimStrategy) Threshold() float64 { return s.threshold }
func (s *HistoryTrimStrategy) Enabled() bool      { return true }

func (s *HistoryTrimStrategy) Run(ctx context.Context) float64 {
	removed := s.governor.TrimHistory()
	// Each sample is a small fixed-size struct; report the rough MB.
	return float64(removed) * 64 / (1 << 20)
}

// WindowTrimmer is implemented by components holding per-job rolling
// windows that can be halved under pressure. The supervisor's health
// tracker is the main implementation.
type WindowTrimmer interface {
	TrimWindows() int
}

// MetricsCacheStrategy halves the rolling execution windows of a
// WindowTrimmer.
type MetricsCacheStrategy struct {
	trimmer   WindowTrimmer
	priority  int
	threshold float64
}

// NewMetricsCacheStrategy creates the rolling-window truncation strategy.
func NewMetricsCacheStrategy(trimmer WindowTrimmer, priority int, threshold float64) *MetricsCacheStrategy {
	return &MetricsCacheStrategy{trimmer: trimmer, priority: priority, threshold: threshold}
}

func (s *MetricsCacheStrategy) Name() string       { return "metrics_cache_clear" }
func (s *MetricsCacheStrategy) Priority() int      { return s.priority }
func (s *MetricsCacheStrategy) Threshold() float64 { return s.threshold }
func (s *MetricsCacheStrategy) Enabled() bool      { return s.trimmer != nil }

func (s *MetricsCacheStrategy) Run(ctx context.Context) float64 {
	if s.trimmer == nil {
		return 0
	}
	removed := s.trimmer.TrimWindows()
	return float64(removed) * 32 / (1 << 20)
}
