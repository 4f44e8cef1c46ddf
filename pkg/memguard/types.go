package memguard

import (
	"context"
	"time"
)

// PressureLevel classifies how far process memory has crossed the
// configured thresholds.
type PressureLevel string

const (
	LevelNone      PressureLevel = "none"
	LevelWarning   PressureLevel = "warning"
	LevelCritical  PressureLevel = "critical"
	LevelEmergency PressureLevel = "emergency"
)

// Usage is one immutable memory sample.
type Usage struct {
	RSSMB       float64   `json:"rss_mb"`
	HeapTotalMB float64   `json:"heap_total_mb"`
	HeapUsedMB  float64   `json:"heap_used_mb"`
	ExternalMB  float64   `json:"external_mb"`
	Percent     float64   `json:"percent"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alert is a leveled notification carrying its triggering sample.
type Alert struct {
	Level     PressureLevel `json:"level"`
	Usage     Usage         `json:"usage"`
	Timestamp time.Time     `json:"timestamp"`
}

// PressureEvent records one cleanup response: which strategies ran and how
// much they reported freed.
type PressureEvent struct {
	Level         PressureLevel `json:"level"`
	Timestamp     time.Time     `json:"timestamp"`
	StrategiesRun []string      `json:"strategies_run"`
	FreedMB       float64       `json:"freed_mb"`
	Duration      time.Duration `json:"duration"`
	Trigger       string        `json:"trigger"`
}

// CleanupStrategy is a registered cleanup action. Strategies run in
// descending priority order when the current usage percentage reaches
// their threshold; Run returns the estimated MB freed.
type CleanupStrategy interface {
	Name() string
	Priority() int
	Threshold() float64
	Enabled() bool
	Run(ctx context.Context) float64
}

// JobScopedStrategy is a cleanup strategy that can additionally target a
// single job's caches.
type JobScopedStrategy interface {
	CleanupStrategy
	RunForJob(ctx context.Context, jobName string) float64
}

// LeakReport is the verdict of the sustained-growth heuristic over the
// leak-detection window.
type LeakReport struct {
	Detected              bool      `json:"detected"`
	GrowthRateMBPerMinute float64   `json:"growth_rate_mb_per_minute"`
	Confidence            float64   `json:"confidence"`
	Samples               int       `json:"samples"`
	WindowStart           time.Time `json:"window_start"`
	WindowEnd             time.Time `json:"window_end"`
}

// Trend describes the direction of recent memory usage.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// GCStats summarizes runtime collection activity for the health report.
type GCStats struct {
	NumGC             uint32        `json:"num_gc"`
	PauseTotal        time.Duration `json:"pause_total"`
	LastGC            time.Time     `json:"last_gc"`
	ForcedCompactions int64         `json:"forced_compactions"`
}

// HealthReport is the governor's aggregated read model, consumed by the
// recovery engine and external dashboards.
type HealthReport struct {
	Current              Usage           `json:"current"`
	Trend                Trend           `json:"trend"`
	TrendRateMBPerMinute float64         `json:"trend_rate_mb_per_minute"`
	GC                   GCStats         `json:"gc"`
	Leak                 LeakReport      `json:"leak"`
	RecentAlerts         []Alert         `json:"recent_alerts"`
	RecentEvents         []PressureEvent `json:"recent_events"`
	Recommendations      []string        `json:"recommendations"`
}
