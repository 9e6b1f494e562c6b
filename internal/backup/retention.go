package backup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Prune removes archives of sourcePath beyond the keep most recent, and
// clears abandoned .wip artifacts in the destination root. A .wip that a
// concurrent Create is still writing is left alone. It returns the number
// of files removed.
func (a *Archiver) Prune(sourcePath string, keep int) (int, error) {
	entries, err := os.ReadDir(a.destRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read destination root: %w", err)
	}

	suffix := sourceSuffix(a.nodeName, sourcePath)

	type archive struct {
		name string
		ts   int64
	}
	var archives []archive

	removed := 0
	for _, entry := range entries {
		name := entry.Name()

		if isWip(name) {
			// A wip belonging to a job still writing is not abandoned
			if a.isActiveWip(name) {
				continue
			}
			if err := os.Remove(filepath.Join(a.destRoot, name)); err == nil {
				a.logger.Warn("Removed abandoned in-progress archive",
					slog.String("file", name),
				)
				removed++
			}
			continue
		}

		if !strings.HasSuffix(name, suffix) {
			continue
		}

		ts, ok := parseArchiveTimestamp(name)
		if !ok {
			continue
		}
		archives = append(archives, archive{name: name, ts: ts})
	}

	if keep < 0 {
		keep = 0
	}
	if len(archives) <= keep {
		return removed, nil
	}

	// Newest first; everything past keep goes
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].ts > archives[j].ts
	})

	for _, old := range archives[keep:] {
		path := filepath.Join(a.destRoot, old.name)
		if err := os.Remove(path); err != nil {
			a.logger.Warn("Failed to prune archive",
				slog.String("file", old.name),
				slog.Any("error", err),
			)
			continue
		}
		removed++
		a.logger.Debug("Pruned archive",
			slog.String("file", old.name),
		)
	}

	return removed, nil
}

// parseArchiveTimestamp extracts the unix timestamp from a
// backup_<ts>_<node>_<path>.tar.gz filename
func parseArchiveTimestamp(name string) (int64, bool) {
	if !strings.HasPrefix(name, "backup_") {
		return 0, false
	}
	rest := strings.TrimPrefix(name, "backup_")
	idx := strings.Index(rest, "_")
	if idx <= 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(rest[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
