package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

// ScheduledPostsJob publishes posts whose scheduled time has arrived.
type ScheduledPostsJob struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// NewScheduledPostsJob creates the scheduled post publishing job.
func NewScheduledPostsJob(db *pgxpool.Pool) *ScheduledPostsJob {
	return &ScheduledPostsJob{
		db:     db,
		logger: logger.New("scheduled-posts-job"),
	}
}

func (j *ScheduledPostsJob) Name() string {
	return "scheduled_posts"
}

// DefaultConfig returns the supervisor configuration for this job.
func (j *ScheduledPostsJob) DefaultConfig() supervisor.JobConfig {
	cfg := supervisor.DefaultJobConfig(j.Name(), "@every 1m")
	cfg.ExecutionTimeout = 2 * time.Minute
	cfg.Priority = 1
	cfg.RunOnStart = true
	return cfg
}

func (j *ScheduledPostsJob) Execute(ctx context.Context) error {
	log := logger.WithContext(ctx, "scheduled-posts-job")
	start := time.Now()

	tag, err := j.db.Exec(ctx, `
		UPDATE posts
		SET published_at = NOW(), is_scheduled = FALSE
		WHERE is_scheduled = TRUE
		  AND scheduled_for <= NOW()
	`)
	if err != nil {
		return fmt.Errorf("failed to publish scheduled posts: %w", err)
	}

	log.Info().
		Str("action", "scheduled_posts_published").
		Int64("published", tag.RowsAffected()).
		Dur("duration", time.Since(start)).
		Msg("Published due scheduled posts")

	return nil
}

// HealthCheck verifies database connectivity out of band from the schedule.
func (j *ScheduledPostsJob) HealthCheck(ctx context.Context) error {
	return j.db.Ping(ctx)
}
