package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// metricsNamespace is the namespace for all supervisor metrics.
	metricsNamespace = "worrybox"

	// metricsSubsystem is the subsystem for supervisor metrics.
	metricsSubsystem = "supervisor"
)

// Metrics holds the Prometheus metrics exported by the supervisor.
type Metrics struct {
	JobsExecutedTotal    *prometheus.CounterVec
	JobDurationSeconds   *prometheus.HistogramVec
	JobsCurrentlyRunning prometheus.Gauge
	JobRestartsTotal     *prometheus.CounterVec
	JobMemoryUsageMB     *prometheus.GaugeVec
	RecoveryActionsTotal *prometheus.CounterVec
	ProcessMemoryPct     prometheus.Gauge
	MemoryAlertsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all supervisor metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		JobsExecutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "jobs_executed_total",
				Help:      "Total number of job run cycles by outcome",
			},
			[]string{"job", "status"},
		),
		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "job_duration_seconds",
				Help:      "Duration of job run cycles in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"job"},
		),
		JobsCurrentlyRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "jobs_currently_running",
				Help:      "Number of jobs with a live execution context",
			},
		),
		JobRestartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "job_restarts_total",
				Help:      "Total number of job restarts",
			},
			[]string{"job"},
		),
		JobMemoryUsageMB: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "job_memory_usage_mb",
				Help:      "Memory attributed to each job in MB",
			},
			[]string{"job"},
		),
		RecoveryActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "recovery_actions_total",
				Help:      "Total number of recovery actions by type and outcome",
			},
			[]string{"type", "success"},
		),
		ProcessMemoryPct: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "process_memory_percent",
				Help:      "Process memory usage as a percentage of the configured limit",
			},
		),
		MemoryAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "memory_alerts_total",
				Help:      "Total number of memory pressure alerts by level",
			},
			[]string{"level"},
		),
	}
}
