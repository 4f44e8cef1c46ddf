package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// reportActionTail bounds how many recent recovery actions a report embeds.
const reportActionTail = 50

// JobReport pairs one job's health view with its cumulative metrics.
type JobReport struct {
	Health  JobHealth  `json:"health"`
	Metrics JobMetrics `json:"metrics"`
}

// Report is the aggregated resilience read model consumed by operators and
// dashboards.
type Report struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	OverallStatus   string               `json:"overall_status"`
	StatusCounts    map[string]int       `json:"status_counts"`
	Jobs            map[string]JobReport `json:"jobs"`
	RecoveryActions []RecoveryAction     `json:"recovery_actions"`
	FatalAlerts     []FatalAlert         `json:"fatal_alerts"`
	Recommendations []string             `json:"recommendations"`
}

// BuildReport assembles the resilience report from the supervisor's current
// state. All embedded values are copies.
func (s *Supervisor) BuildReport() Report {
	health := s.AllHealth()
	metrics := s.AllMetrics()
	alerts := s.FatalAlerts()

	report := Report{
		GeneratedAt:  time.Now(),
		StatusCounts: make(map[string]int),
		Jobs:         make(map[string]JobReport, len(health)),
		FatalAlerts:  alerts,
	}

	for name, h := range health {
		report.StatusCounts[string(h.Status)]++
		report.Jobs[name] = JobReport{
			Health:  h,
			Metrics: metrics[name],
		}
	}

	actions := s.RecoveryActions()
	if len(actions) > reportActionTail {
		actions = actions[len(actions)-reportActionTail:]
	}
	report.RecoveryActions = actions

	report.OverallStatus = overallStatus(health)
	report.Recommendations = buildRecommendations(health, alerts)

	return report
}

// WriteReport serializes the report to a timestamped JSON artifact under
// dir and returns the path.
func (s *Supervisor) WriteReport(dir string) (string, error) {
	report := s.BuildReport()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("resilience-report-%s.json", report.GeneratedAt.UTC().Format("20060102-150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	s.logger.Info().
		Str("action", "report_written").
		Str("path", path).
		Str("overall_status", report.OverallStatus).
		Msg("Resilience report written")

	return path, nil
}

func overallStatus(health map[string]JobHealth) string {
	verdict := "healthy"
	for _, h := range health {
		switch h.Status {
		case StatusUnhealthy:
			return "unhealthy"
		case StatusDegraded, StatusStarting:
			verdict = "degraded"
		}
	}
	return verdict
}

func buildRecommendations(health map[string]JobHealth, alerts []FatalAlert) []string {
	var recs []string

	for _, alert := range alerts {
		recs = append(recs, fmt.Sprintf("job %s was permanently stopped (%s); fix the underlying failure and re-register it", alert.JobName, alert.Reason))
	}
	for name, h := range health {
		if h.ErrorRate > degradedErrorRate {
			recs = append(recs, fmt.Sprintf("job %s has a %.0f%% error rate over its recent window; inspect its logs", name, h.ErrorRate*100))
		}
		if h.RestartCount > 0 && h.Status != StatusHealthy {
			recs = append(recs, fmt.Sprintf("job %s has been restarted %d times and is still %s", name, h.RestartCount, h.Status))
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "all jobs healthy; no action required")
	}
	return recs
}
