package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

// NotificationDigestJob rolls pending notifications into per-user digest
// rows so users get one summary instead of a flood.
type NotificationDigestJob struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// NewNotificationDigestJob creates the notification digest job.
func NewNotificationDigestJob(db *pgxpool.Pool) *NotificationDigestJob {
	return &NotificationDigestJob{
		db:     db,
		logger: logger.New("notification-digest-job"),
	}
}

func (j *NotificationDigestJob) Name() string {
	return "notification_digest"
}

// DefaultConfig returns the supervisor configuration for this job. Digests
// run after scheduled posts so freshly published posts are included.
func (j *NotificationDigestJob) DefaultConfig() supervisor.JobConfig {
	cfg := supervisor.DefaultJobConfig(j.Name(), "@every 15m")
	cfg.ExecutionTimeout = 5 * time.Minute
	cfg.Priority = 5
	cfg.DependsOn = []string{"scheduled_posts"}
	return cfg
}

func (j *NotificationDigestJob) Execute(ctx context.Context) error {
	log := logger.WithContext(ctx, "notification-digest-job")
	start := time.Now()

	tag, err := j.db.Exec(ctx, `
		INSERT INTO notification_digests (user_id, notification_count, window_start, window_end, created_at)
		SELECT user_id, COUNT(*), MIN(created_at), MAX(created_at), NOW()
		FROM notifications
		WHERE digested = FALSE
		  AND created_at < NOW() - INTERVAL '15 minutes'
		GROUP BY user_id
	`)
	if err != nil {
		return fmt.Errorf("failed to build notification digests: %w", err)
	}

	if _, err := j.db.Exec(ctx, `
		UPDATE notifications
		SET digested = TRUE
		WHERE digested = FALSE
		  AND created_at < NOW() - INTERVAL '15 minutes'
	`); err != nil {
		return fmt.Errorf("failed to mark notifications digested: %w", err)
	}

	log.Info().
		Str("action", "digests_built").
		Int64("digests", tag.RowsAffected()).
		Dur("duration", time.Since(start)).
		Msg("Notification digests built")

	return nil
}

// HealthCheck verifies database connectivity out of band from the schedule.
func (j *NotificationDigestJob) HealthCheck(ctx context.Context) error {
	return j.db.Ping(ctx)
}
