package utils

import (
	"time"

	"github.com/gosimple/slug"
)

// NormalizeSlug creates a filesystem- and URL-friendly slug using the
// gosimple/slug library, which handles all Unicode characters properly.
func NormalizeSlug(text string) string {
	if text == "" {
		return ""
	}

	return slug.Make(text)
}

// ArtifactFilename builds a timestamped artifact name of the form
// <prefix>-<timestamp>-<slugged reason><ext>, used for diagnostic snapshots
// and resilience reports.
func ArtifactFilename(prefix, reason, ext string, at time.Time) string {
	name := prefix + "-" + at.UTC().Format("20060102-150405")
	if reason != "" {
		name += "-" + NormalizeSlug(reason)
	}
	return name + ext
}

// JobSlug normalizes a job name for use in filenames and metric labels.
func JobSlug(jobName string) string {
	if jobName == "" {
		return "job"
	}
	return NormalizeSlug(jobName)
}
