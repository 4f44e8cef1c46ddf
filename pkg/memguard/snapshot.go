package memguard

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sort"
	"strings"
	"time"

	"github.com/GigaElk/worrybox-sub001/pkg/utils"
)

const snapshotPrefix = "heap"

// WriteSnapshot captures a heap profile to disk for offline analysis. The
// filename encodes the timestamp and trigger reason; retention is capped
// with the oldest snapshot deleted first.
func (g *Governor) WriteSnapshot(reason string) (string, error) {
	if err := os.MkdirAll(g.cfg.SnapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := utils.ArtifactFilename(snapshotPrefix, reason, ".pprof", time.Now())
	path := filepath.Join(g.cfg.SnapshotDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		return "", fmt.Errorf("failed to write heap profile: %w", err)
	}

	if err := g.pruneSnapshots(); err != nil {
		g.logger.Warn().
			Err(err).
			Str("action", "snapshot_prune_failed").
			Msg("Failed to prune old snapshots")
	}

	return path, nil
}

// pruneSnapshots enforces the retained-snapshot cap, deleting oldest first.
// The timestamp in the filename sorts lexicographically.
func (g *Governor) pruneSnapshots() error {
	entries, err := os.ReadDir(g.cfg.SnapshotDir)
	if err != nil {
		return err
	}

	var snapshots []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), snapshotPrefix+"-") && strings.HasSuffix(e.Name(), ".pprof") {
			snapshots = append(snapshots, e.Name())
		}
	}

	if len(snapshots) <= g.cfg.MaxSnapshots {
		return nil
	}

	sort.Strings(snapshots)
	for _, name := range snapshots[:len(snapshots)-g.cfg.MaxSnapshots] {
		if err := os.Remove(filepath.Join(g.cfg.SnapshotDir, name)); err != nil {
			return err
		}
	}
	return nil
}
