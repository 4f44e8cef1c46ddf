package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

// ContentAnalysisJob re-queues posts whose content changed since their
// last analysis pass.
type ContentAnalysisJob struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// NewContentAnalysisJob creates the content re-analysis job.
func NewContentAnalysisJob(db *pgxpool.Pool) *ContentAnalysisJob {
	return &ContentAnalysisJob{
		db:     db,
		logger: logger.New("content-analysis-job"),
	}
}

func (j *ContentAnalysisJob) Name() string {
	return "content_analysis"
}

// DefaultConfig returns the supervisor configuration for this job.
// Analysis is heavier than the other jobs, so it carries a larger memory
// threshold and a longer timeout.
func (j *ContentAnalysisJob) DefaultConfig() supervisor.JobConfig {
	cfg := supervisor.DefaultJobConfig(j.Name(), "0 */2 * * *")
	cfg.ExecutionTimeout = 15 * time.Minute
	cfg.MemoryThresholdMB = 256
	cfg.Priority = 8
	cfg.DependsOn = []string{"scheduled_posts"}
	return cfg
}

func (j *ContentAnalysisJob) Execute(ctx context.Context) error {
	log := logger.WithContext(ctx, "content-analysis-job")
	start := time.Now()

	tag, err := j.db.Exec(ctx, `
		INSERT INTO analysis_queue (post_id, queued_at)
		SELECT p.id, NOW()
		FROM posts p
		LEFT JOIN analysis_queue q ON q.post_id = p.id AND q.processed_at IS NULL
		WHERE p.published_at IS NOT NULL
		  AND (p.analyzed_at IS NULL OR p.analyzed_at < p.updated_at)
		  AND q.post_id IS NULL
	`)
	if err != nil {
		return fmt.Errorf("failed to queue posts for re-analysis: %w", err)
	}

	log.Info().
		Str("action", "analysis_queued").
		Int64("queued", tag.RowsAffected()).
		Dur("duration", time.Since(start)).
		Msg("Stale posts queued for re-analysis")

	return nil
}

// HealthCheck verifies database connectivity out of band from the schedule.
func (j *ContentAnalysisJob) HealthCheck(ctx context.Context) error {
	return j.db.Ping(ctx)
}
