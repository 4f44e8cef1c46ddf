package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GigaElk/worrybox-sub001/internal/config"
	"github.com/GigaElk/worrybox-sub001/pkg/database/pool"
	"github.com/GigaElk/worrybox-sub001/pkg/jobs"
	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/memguard"
	"github.com/GigaElk/worrybox-sub001/pkg/server"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

func main() {
	// Parse command line flags
	var (
		jobName  = flag.String("job", "", "Run specific job once (scheduled_posts, notification_digest, content_analysis)")
		once     = flag.Bool("once", false, "Run job once and exit")
		stress   = flag.Duration("stress", 0, "Run synthetic stress jobs for the given duration, write a resilience report, and exit")
		doReport = flag.Bool("report", false, "Write a resilience report on shutdown")
	)
	flag.Parse()

	// Load .env if present; environment variables win.
	_ = godotenv.Load()

	cfg := config.Load()
	logger.SetupLogger()
	log := logger.New("supervisor-main")

	// Metrics registry shared by the supervisor and the governor alerts.
	metrics := supervisor.NewMetrics(nil)

	// Memory governor
	gov := memguard.New(memguard.Config{
		SampleInterval:     cfg.Memory.SampleInterval,
		ProcessLimitMB:     cfg.Memory.ProcessLimitMB,
		WarningPct:         cfg.Memory.WarningThresholdPct,
		CriticalPct:        cfg.Memory.CriticalThresholdPct,
		EmergencyPct:       cfg.Memory.EmergencyThresholdPct,
		HistorySize:        cfg.Memory.HistorySize,
		LeakWindowSize:     cfg.Memory.LeakWindowSize,
		DiagnosticsEnabled: cfg.Memory.DiagnosticsEnabled,
		SnapshotDir:        cfg.Memory.SnapshotDir,
		MaxSnapshots:       cfg.Memory.MaxSnapshots,
	}, logger.New("memory-governor"))
	gov.SetAlertHandler(func(a memguard.Alert) {
		metrics.MemoryAlertsTotal.WithLabelValues(string(a.Level)).Inc()
		metrics.ProcessMemoryPct.Set(a.Usage.Percent)
	})

	// Supervisor
	sup := supervisor.New(supervisor.Options{
		Logger:              logger.New("supervisor"),
		Cleaner:             gov,
		Metrics:             metrics,
		PhaseTimeout:        cfg.Supervisor.PhaseTimeout,
		ShutdownGracePeriod: cfg.Supervisor.ShutdownGracePeriod,
		DependencyTimeout:   cfg.Supervisor.DependencyTimeout,
		RecoveryQueueSize:   cfg.Supervisor.RecoveryQueueSize,
	})

	// Cleanup strategies, highest priority first under pressure.
	gov.RegisterStrategy(memguard.NewJobFuncStrategy("job_caches", 10, 70,
		func(ctx context.Context) float64 {
			freed := 0.0
			for name := range sup.AllHealth() {
				freed += sup.CleanupJob(ctx, name)
			}
			return freed
		},
		sup.CleanupJob,
	))
	gov.RegisterStrategy(memguard.NewMetricsCacheStrategy(sup.Tracker(), 8, 80))
	gov.RegisterStrategy(memguard.NewHistoryTrimStrategy(gov, 6, 85))
	gov.RegisterStrategy(memguard.NewCompactionStrategy(4, 85))

	// Stress mode needs no database; it exercises the supervisor with
	// synthetic jobs and writes the resulting resilience report.
	if *stress > 0 {
		log.Info().
			Str("action", "stress_start").
			Dur("duration", *stress).
			Msg("Running synthetic stress jobs")
		gov.StartMonitoring()
		if _, err := supervisor.RunStressTest(sup, *stress); err != nil {
			log.Fatalf("Stress run failed: %v", err)
		}
		gov.StopMonitoring()
		path, err := sup.WriteReport(cfg.Supervisor.ReportDir)
		if err != nil {
			log.Fatalf("Failed to write resilience report: %v", err)
		}
		log.Info().
			Str("action", "stress_complete").
			Str("path", path).
			Msg("Stress run complete")
		sup.Close()
		return
	}

	// Connect to database
	db, err := pool.New(context.Background(), cfg.DatabaseURL(), pool.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Register jobs
	scheduledPostsJob := jobs.NewScheduledPostsJob(db)
	if err := sup.Register(scheduledPostsJob.DefaultConfig(), scheduledPostsJob); err != nil {
		log.Fatalf("Failed to register scheduled posts job: %v", err)
	}

	digestJob := jobs.NewNotificationDigestJob(db)
	if err := sup.Register(digestJob.DefaultConfig(), digestJob); err != nil {
		log.Fatalf("Failed to register notification digest job: %v", err)
	}

	analysisJob := jobs.NewContentAnalysisJob(db)
	if err := sup.Register(analysisJob.DefaultConfig(), analysisJob); err != nil {
		log.Fatalf("Failed to register content analysis job: %v", err)
	}

	// Handle single job execution
	if *once && *jobName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		var job supervisor.Job
		switch *jobName {
		case scheduledPostsJob.Name():
			job = scheduledPostsJob
		case digestJob.Name():
			job = digestJob
		case analysisJob.Name():
			job = analysisJob
		default:
			log.Fatalf("Unknown job: %s. Available jobs: scheduled_posts, notification_digest, content_analysis", *jobName)
		}

		log.Info().
			Str("action", "run_once").
			Str("job_name", *jobName).
			Msg("Running job once")
		if err := job.Execute(ctx); err != nil {
			log.Fatalf("Failed to execute %s job: %v", *jobName, err)
		}
		log.Info().
			Str("action", "run_once_complete").
			Str("job_name", *jobName).
			Msg("Job completed successfully")
		sup.Close()
		return
	}

	// Start everything
	sup.StartAll()
	gov.StartMonitoring()
	log.Info().
		Str("action", "service_started").
		Int("jobs", len(sup.AllHealth())).
		Msg("Task supervisor started")

	srv := server.New(cfg, logger.New("management-api"), sup, gov)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Management server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().
		Str("action", "shutdown_started").
		Msg("Shutting down task supervisor")

	srv.Close()
	gov.StopMonitoring()
	sup.Close()

	if *doReport {
		if path, err := sup.WriteReport(cfg.Supervisor.ReportDir); err != nil {
			log.Warn().
				Err(err).
				Str("action", "report_failed").
				Msg("Failed to write resilience report")
		} else {
			log.Info().
				Str("action", "report_written").
				Str("path", path).
				Msg("Resilience report written")
		}
	}

	log.Info().
		Str("action", "shutdown_complete").
		Msg("Task supervisor stopped")
}
