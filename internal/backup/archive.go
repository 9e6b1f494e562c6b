package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// wip is the suffix of an in-progress archive; a finished archive is
// renamed into place so a crash never leaves a valid-looking partial.
const wipSuffix = ".wip"

// Info contains metadata about a created archive
type Info struct {
	Path      string
	SizeBytes int64
	FileCount int
	Duration  time.Duration
	CreatedAt time.Time
}

// Archiver writes tar.gz archives of local directories into a destination
// root, one file per backup run. Concurrent Create calls are safe; each
// in-progress .wip file is tracked so retention never removes it.
type Archiver struct {
	destRoot string
	nodeName string
	logger   *slog.Logger

	mu         sync.Mutex
	activeWips map[string]bool
}

// NewArchiver creates an archiver writing into destRoot
func NewArchiver(destRoot, nodeName string, logger *slog.Logger) *Archiver {
	return &Archiver{
		destRoot:   destRoot,
		nodeName:   nodeName,
		logger:     logger,
		activeWips: make(map[string]bool),
	}
}

func (a *Archiver) trackWip(name string) {
	a.mu.Lock()
	a.activeWips[name] = true
	a.mu.Unlock()
}

func (a *Archiver) untrackWip(name string) {
	a.mu.Lock()
	delete(a.activeWips, name)
	a.mu.Unlock()
}

func (a *Archiver) isActiveWip(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeWips[name]
}

// Create archives sourcePath into a new tar.gz file. The archive is
// written under a .wip name and renamed on success; cancellation via ctx
// aborts between file entries and removes the partial artifact.
func (a *Archiver) Create(ctx context.Context, sourcePath string) (*Info, error) {
	start := time.Now()

	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source path not accessible: %w", err)
	}

	if err := os.MkdirAll(a.destRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination root: %w", err)
	}

	filename := ArchiveName(a.nodeName, sourcePath, start)
	finalPath := filepath.Join(a.destRoot, filename)
	wipPath := finalPath + wipSuffix

	a.trackWip(filename + wipSuffix)
	defer a.untrackWip(filename + wipSuffix)

	a.logger.Debug("Creating archive",
		slog.String("source", sourcePath),
		slog.String("archive", filename),
	)

	fileCount, err := a.writeArchive(ctx, sourcePath, srcInfo, wipPath)
	if err != nil {
		if rmErr := os.Remove(wipPath); rmErr != nil && !os.IsNotExist(rmErr) {
			a.logger.Warn("Failed to remove partial archive",
				slog.String("path", wipPath),
				slog.Any("error", rmErr),
			)
		}
		return nil, err
	}

	if err := os.Rename(wipPath, finalPath); err != nil {
		os.Remove(wipPath)
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	stat, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	info := &Info{
		Path:      finalPath,
		SizeBytes: stat.Size(),
		FileCount: fileCount,
		Duration:  time.Since(start),
		CreatedAt: start,
	}

	a.logger.Info("Archive created",
		slog.String("archive", filename),
		slog.Int64("size_bytes", info.SizeBytes),
		slog.Int("file_count", info.FileCount),
		slog.Duration("duration", info.Duration),
	)

	return info, nil
}

func (a *Archiver) writeArchive(ctx context.Context, sourcePath string, srcInfo os.FileInfo, wipPath string) (int, error) {
	out, err := os.Create(wipPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	baseDir := sourcePath
	if !srcInfo.IsDir() {
		baseDir = filepath.Dir(sourcePath)
	}

	fileCount := 0
	walkErr := filepath.Walk(sourcePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Cancellation is honored between entries; a single file copy is
		// not interruptible.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return err
		}

		fileCount++
		return nil
	})

	if walkErr != nil {
		tw.Close()
		gzw.Close()
		return 0, fmt.Errorf("failed to archive %s: %w", sourcePath, walkErr)
	}

	if err := tw.Close(); err != nil {
		gzw.Close()
		return 0, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return fileCount, nil
}

// ArchiveName builds the artifact filename for one backup run:
// backup_<unix-ts>_<node>_<encoded source path>.tar.gz
func ArchiveName(nodeName, sourcePath string, at time.Time) string {
	return fmt.Sprintf("backup_%d_%s_%s.tar.gz", at.Unix(), nodeName, encodePath(sourcePath))
}

// encodePath produces a filename-safe encoding of a source path
func encodePath(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// sourceSuffix is the trailing filename component identifying all archives
// of one source path on one node
func sourceSuffix(nodeName, sourcePath string) string {
	return fmt.Sprintf("_%s_%s.tar.gz", nodeName, encodePath(sourcePath))
}

// isWip reports whether a directory entry is an abandoned in-progress archive
func isWip(name string) bool {
	return strings.HasSuffix(name, wipSuffix)
}
