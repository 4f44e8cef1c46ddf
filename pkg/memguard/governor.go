package memguard

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
)

// eventLogCap bounds the alert and pressure event histories.
const eventLogCap = 50

// Config holds the governor's thresholds and buffer sizes.
type Config struct {
	SampleInterval     time.Duration
	ProcessLimitMB     float64
	WarningPct         float64
	CriticalPct        float64
	EmergencyPct       float64
	HistorySize        int
	LeakWindowSize     int
	DiagnosticsEnabled bool
	SnapshotDir        string
	MaxSnapshots       int
}

// DefaultConfig returns production defaults for the governor.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 30 * time.Second,
		ProcessLimitMB: 512,
		WarningPct:     70,
		CriticalPct:    85,
		EmergencyPct:   95,
		HistorySize:    1000,
		LeakWindowSize: 10,
		SnapshotDir:    "snapshots",
		MaxSnapshots:   5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.ProcessLimitMB <= 0 {
		c.ProcessLimitMB = d.ProcessLimitMB
	}
	if c.WarningPct <= 0 {
		c.WarningPct = d.WarningPct
	}
	if c.CriticalPct <= 0 {
		c.CriticalPct = d.CriticalPct
	}
	if c.EmergencyPct <= 0 {
		c.EmergencyPct = d.EmergencyPct
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.LeakWindowSize <= 0 {
		c.LeakWindowSize = d.LeakWindowSize
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = d.SnapshotDir
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = d.MaxSnapshots
	}
}

// Governor samples process memory on its own timer, detects sustained
// growth, and executes graduated cleanup at rising severity thresholds.
// Construct one per process and inject it where needed.
type Governor struct {
	cfg    Config
	logger *logger.Logger

	mu         sync.Mutex
	history    []Usage
	leakWindow []Usage
	alerts     []Alert
	events     []PressureEvent
	strategies []CleanupStrategy
	monitoring bool
	stopCh     chan struct{}

	// sample is injectable for tests.
	sample func() Usage

	onAlert func(Alert)

	forcedCompactions atomic.Int64
	wg                sync.WaitGroup
}

// New creates a memory governor.
func New(cfg Config, log *logger.Logger) *Governor {
	cfg.applyDefaults()
	if log == nil {
		log = logger.New("memory-governor")
	}

	g := &Governor{
		cfg:    cfg,
		logger: log,
	}
	g.sample = g.readRuntimeUsage
	return g
}

// SetAlertHandler registers an observer invoked for each alert, outside
// the governor's lock. Used to feed exported metrics.
func (g *Governor) SetAlertHandler(fn func(Alert)) {
	g.mu.Lock()
	g.onAlert = fn
	g.mu.Unlock()
}

// RegisterStrategy adds a cleanup strategy to the registry.
func (g *Governor) RegisterStrategy(s CleanupStrategy) {
	g.mu.Lock()
	g.strategies = append(g.strategies, s)
	sort.SliceStable(g.strategies, func(i, j int) bool {
		return g.strategies[i].Priority() > g.strategies[j].Priority()
	})
	g.mu.Unlock()

	g.logger.Info().
		Str("action", "strategy_registered").
		Str("strategy", s.Name()).
		Int("priority", s.Priority()).
		Float64("threshold", s.Threshold()).
		Msg("Registered cleanup strategy")
}

// StartMonitoring begins the fixed-interval sampling loop. Safe to call
// once; subsequent calls are no-ops until StopMonitoring.
func (g *Governor) StartMonitoring() {
	g.mu.Lock()
	if g.monitoring {
		g.mu.Unlock()
		return
	}
	g.monitoring = true
	g.stopCh = make(chan struct{})
	stopCh := g.stopCh
	g.mu.Unlock()

	g.logger.Info().
		Str("action", "monitoring_started").
		Dur("interval", g.cfg.SampleInterval).
		Float64("limit_mb", g.cfg.ProcessLimitMB).
		Msg("Memory monitoring started")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				g.Tick()
			}
		}
	}()
}

// StopMonitoring halts the sampling loop.
func (g *Governor) StopMonitoring() {
	g.mu.Lock()
	if !g.monitoring {
		g.mu.Unlock()
		return
	}
	g.monitoring = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	g.logger.Info().
		Str("action", "monitoring_stopped").
		Msg("Memory monitoring stopped")
}

// Tick performs one sampling cycle: record the sample, then evaluate
// thresholds in descending severity so only the highest applicable level
// fires. The cleanup response is dispatched asynchronously; a slow cleanup
// never delays the next sample.
func (g *Governor) Tick() {
	u := g.sample()

	g.mu.Lock()
	g.history = append(g.history, u)
	if len(g.history) > g.cfg.HistorySize {
		g.history = g.history[len(g.history)-g.cfg.HistorySize:]
	}
	g.leakWindow = append(g.leakWindow, u)
	if len(g.leakWindow) > g.cfg.LeakWindowSize {
		g.leakWindow = g.leakWindow[len(g.leakWindow)-g.cfg.LeakWindowSize:]
	}

	level := g.levelFor(u.Percent)
	var alert *Alert
	if level != LevelNone {
		a := Alert{Level: level, Usage: u, Timestamp: time.Now()}
		g.alerts = append(g.alerts, a)
		if len(g.alerts) > eventLogCap {
			g.alerts = g.alerts[len(g.alerts)-eventLogCap:]
		}
		alert = &a
	}
	onAlert := g.onAlert
	g.mu.Unlock()

	if alert != nil {
		g.logger.LogMemoryAlert(string(level), u.Percent, u.HeapUsedMB)
		if onAlert != nil {
			onAlert(*alert)
		}
		go g.HandlePressure(context.Background(), level)
	}
}

// levelFor evaluates thresholds in descending severity order.
func (g *Governor) levelFor(percent float64) PressureLevel {
	switch {
	case percent >= g.cfg.EmergencyPct:
		return LevelEmergency
	case percent >= g.cfg.CriticalPct:
		return LevelCritical
	case percent >= g.cfg.WarningPct:
		return LevelWarning
	default:
		return LevelNone
	}
}

// GetCurrentUsage samples the process memory right now.
func (g *Governor) GetCurrentUsage() Usage {
	return g.sample()
}

// HandlePressure executes the cleanup response for one pressure level:
// every enabled strategy whose threshold is at or below the current usage
// percentage, in descending priority order.
func (g *Governor) HandlePressure(ctx context.Context, level PressureLevel) PressureEvent {
	start := time.Now()
	u := g.sample()

	event := PressureEvent{
		Level:     level,
		Timestamp: start,
		Trigger:   "pressure_" + string(level),
	}

	for _, s := range g.eligibleStrategies(u.Percent) {
		freed := g.runStrategy(ctx, s)
		event.StrategiesRun = append(event.StrategiesRun, s.Name())
		event.FreedMB += freed
	}

	if level == LevelCritical || level == LevelEmergency {
		event.FreedMB += g.ForceCompaction()

		if g.cfg.DiagnosticsEnabled {
			if path, err := g.WriteSnapshot(string(level)); err != nil {
				g.logger.Warn().
					Err(err).
					Str("action", "snapshot_failed").
					Msg("Failed to write diagnostic snapshot")
			} else {
				g.logger.Info().
					Str("action", "snapshot_written").
					Str("path", path).
					Msg("Diagnostic heap snapshot written")
			}
		}
	}

	event.Duration = time.Since(start)

	g.mu.Lock()
	g.events = append(g.events, event)
	if len(g.events) > eventLogCap {
		g.events = g.events[len(g.events)-eventLogCap:]
	}
	g.mu.Unlock()

	g.logger.Info().
		Str("action", "pressure_handled").
		Str("level", string(level)).
		Strs("strategies", event.StrategiesRun).
		Float64("freed_mb", event.FreedMB).
		Dur("duration", event.Duration).
		Msg("Memory pressure handled")

	return event
}

// TriggerCleanup runs the eligible strategies on demand and returns the
// total MB reported freed.
func (g *Governor) TriggerCleanup(ctx context.Context, trigger string) float64 {
	start := time.Now()
	u := g.sample()

	event := PressureEvent{
		Level:     g.levelFor(u.Percent),
		Timestamp: start,
		Trigger:   trigger,
	}

	for _, s := range g.eligibleStrategies(u.Percent) {
		freed := g.runStrategy(ctx, s)
		event.StrategiesRun = append(event.StrategiesRun, s.Name())
		event.FreedMB += freed
	}
	event.Duration = time.Since(start)

	g.mu.Lock()
	g.events = append(g.events, event)
	if len(g.events) > eventLogCap {
		g.events = g.events[len(g.events)-eventLogCap:]
	}
	g.mu.Unlock()

	g.logger.Info().
		Str("action", "cleanup_triggered").
		Str("trigger", trigger).
		Float64("freed_mb", event.FreedMB).
		Msg("Manual cleanup completed")

	return event.FreedMB
}

// CleanupJob runs the job-scoped strategies against one job's caches.
// This is the entry point the recovery engine uses.
func (g *Governor) CleanupJob(ctx context.Context, jobName string) float64 {
	g.mu.Lock()
	strategies := append([]CleanupStrategy(nil), g.strategies...)
	g.mu.Unlock()

	freed := 0.0
	for _, s := range strategies {
		scoped, ok := s.(JobScopedStrategy)
		if !ok || !s.Enabled() {
			continue
		}
		freed += scoped.RunForJob(ctx, jobName)
	}

	g.logger.Info().
		Str("action", "job_cleanup").
		Str("job_name", jobName).
		Float64("freed_mb", freed).
		Msg("Job-scoped memory cleanup completed")

	return freed
}

// ForceCompaction triggers a collection and returns the OS memory to the
// runtime's best ability, reporting the heap MB released.
func (g *Governor) ForceCompaction() float64 {
	before := g.sample().HeapUsedMB
	runtime.GC()
	debug.FreeOSMemory()
	g.forcedCompactions.Add(1)

	freed := before - g.sample().HeapUsedMB
	if freed < 0 {
		freed = 0
	}
	return freed
}

// eligibleStrategies returns enabled strategies whose threshold is at or
// below the usage percentage, in descending priority order.
func (g *Governor) eligibleStrategies(percent float64) []CleanupStrategy {
	g.mu.Lock()
	defer g.mu.Unlock()

	var eligible []CleanupStrategy
	for _, s := range g.strategies {
		if s.Enabled() && s.Threshold() <= percent {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

// runStrategy executes one strategy, converting panics into a zero result
// so a broken strategy cannot take the sampler down with it.
func (g *Governor) runStrategy(ctx context.Context, s CleanupStrategy) (freed float64) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error().
				Str("strategy", s.Name()).
				Str("action", "strategy_panic").
				Msg(fmt.Sprintf("Cleanup strategy panicked: %v", rec))
			freed = 0
		}
	}()

	return s.Run(ctx)
}

// History returns a copy of the bounded sample history.
func (g *Governor) History() []Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Usage(nil), g.history...)
}

// TrimHistory drops the older half of the sample history and returns the
// number of samples removed. Used by the history-trim cleanup strategy.
func (g *Governor) TrimHistory() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	if len(g.history) > 1 {
		cut := len(g.history) / 2
		g.history = append([]Usage(nil), g.history[cut:]...)
		removed += cut
	}
	return removed
}

// GetHealthReport aggregates current usage, trend, GC statistics, the leak
// verdict, and recent alerts and events into the governor's read model.
func (g *Governor) GetHealthReport() HealthReport {
	current := g.sample()
	leak := g.DetectLeak()

	g.mu.Lock()
	trend, rate := trendOf(g.history)
	alerts := append([]Alert(nil), g.alerts...)
	events := append([]PressureEvent(nil), g.events...)
	g.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	gc := GCStats{
		NumGC:             m.NumGC,
		PauseTotal:        time.Duration(m.PauseTotalNs),
		ForcedCompactions: g.forcedCompactions.Load(),
	}
	if m.LastGC > 0 {
		gc.LastGC = time.Unix(0, int64(m.LastGC))
	}

	report := HealthReport{
		Current:              current,
		Trend:                trend,
		TrendRateMBPerMinute: rate,
		GC:                   gc,
		Leak:                 leak,
		RecentAlerts:         alerts,
		RecentEvents:         events,
	}
	report.Recommendations = g.recommendations(report)
	return report
}

func (g *Governor) recommendations(r HealthReport) []string {
	var recs []string
	if r.Leak.Detected {
		recs = append(recs, fmt.Sprintf("sustained heap growth of %.2f MB/min detected (confidence %.0f%%); capture a snapshot and inspect retained allocations", r.Leak.GrowthRateMBPerMinute, r.Leak.Confidence))
	}
	if r.Current.Percent >= g.cfg.CriticalPct {
		recs = append(recs, fmt.Sprintf("memory usage at %.0f%% of the %.0fMB limit; raise the limit or shed load", r.Current.Percent, g.cfg.ProcessLimitMB))
	} else if r.Current.Percent >= g.cfg.WarningPct {
		recs = append(recs, "memory usage above the warning threshold; review recent job memory deltas")
	}
	if r.Trend == TrendIncreasing && !r.Leak.Detected {
		recs = append(recs, "memory trend is increasing; monitor the leak window")
	}
	if len(recs) == 0 {
		recs = append(recs, "memory usage nominal; no action required")
	}
	return recs
}

// readRuntimeUsage maps runtime memory statistics to a Usage sample.
func (g *Governor) readRuntimeUsage() Usage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	const mb = 1 << 20
	rss := float64(m.Sys) / mb
	u := Usage{
		RSSMB:       rss,
		HeapTotalMB: float64(m.HeapSys) / mb,
		HeapUsedMB:  float64(m.HeapAlloc) / mb,
		ExternalMB:  float64(m.Sys-m.HeapSys) / mb,
		Timestamp:   time.Now(),
	}
	u.Percent = rss / g.cfg.ProcessLimitMB * 100
	return u
}
