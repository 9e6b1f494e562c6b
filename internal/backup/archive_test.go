package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCreate(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	writeFile(t, src, "a.txt", "hello")
	writeFile(t, src, "sub/b.txt", "world")
	writeFile(t, src, "sub/deep/c.txt", "nested content")

	a := NewArchiver(dest, "storage-1", testLogger())

	info, err := a.Create(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, 3, info.FileCount)
	assert.Greater(t, info.SizeBytes, int64(0))
	assert.FileExists(t, info.Path)

	// No in-progress artifacts remain
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), wipSuffix)

	// Archive round-trips through tar/gzip
	names := readArchiveNames(t, info.Path)
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub/b.txt")
	assert.Contains(t, names, "sub/deep/c.txt")
}

func TestCreateSingleFile(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, src, "only.txt", "single")

	a := NewArchiver(dest, "storage-1", testLogger())

	info, err := a.Create(context.Background(), filepath.Join(src, "only.txt"))
	require.NoError(t, err)
	assert.Equal(t, 1, info.FileCount)
}

func TestCreateMissingSource(t *testing.T) {
	dest := t.TempDir()
	a := NewArchiver(dest, "storage-1", testLogger())

	_, err := a.Create(context.Background(), filepath.Join(dest, "does-not-exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source path not accessible")
}

func TestCreateCanceledContextLeavesNoPartial(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, src, "a.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewArchiver(dest, "storage-1", testLogger())

	_, err := a.Create(ctx, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveName(t *testing.T) {
	at := time.Unix(1700000000, 0)
	name := ArchiveName("storage-2", "/data/vol1", at)

	assert.Contains(t, name, "backup_1700000000_storage-2_")
	assert.Contains(t, name, ".tar.gz")

	ts, ok := parseArchiveTimestamp(name)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)
}

func TestPrune(t *testing.T) {
	dest := t.TempDir()
	a := NewArchiver(dest, "storage-1", testLogger())

	// Five archives of the same source, one of a different source, one wip
	for _, ts := range []int64{100, 200, 300, 400, 500} {
		name := ArchiveName("storage-1", "/data/vol1", time.Unix(ts, 0))
		require.NoError(t, os.WriteFile(filepath.Join(dest, name), []byte("x"), 0o644))
	}
	otherName := ArchiveName("storage-1", "/data/vol2", time.Unix(250, 0))
	require.NoError(t, os.WriteFile(filepath.Join(dest, otherName), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "leftover.tar.gz.wip"), []byte("x"), 0o644))

	removed, err := a.Prune("/data/vol1", 2)
	require.NoError(t, err)

	// Three old vol1 archives plus the wip leftover
	assert.Equal(t, 4, removed)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)

	var remaining []string
	for _, e := range entries {
		remaining = append(remaining, e.Name())
	}
	assert.Len(t, remaining, 3)
	assert.Contains(t, remaining, ArchiveName("storage-1", "/data/vol1", time.Unix(500, 0)))
	assert.Contains(t, remaining, ArchiveName("storage-1", "/data/vol1", time.Unix(400, 0)))
	assert.Contains(t, remaining, otherName)
}

func TestPruneKeepsInProgressArchive(t *testing.T) {
	dest := t.TempDir()
	a := NewArchiver(dest, "storage-1", testLogger())

	// A wip registered by a running Create must survive a concurrent
	// prune from another job finishing; once unregistered it is abandoned
	// and gets cleaned up.
	liveName := ArchiveName("storage-1", "/data/vol1", time.Unix(999, 0)) + wipSuffix
	require.NoError(t, os.WriteFile(filepath.Join(dest, liveName), []byte("x"), 0o644))
	a.trackWip(liveName)

	removed, err := a.Prune("/data/vol2", 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, filepath.Join(dest, liveName))

	a.untrackWip(liveName)

	removed, err = a.Prune("/data/vol2", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(dest, liveName))
}

func TestConcurrentCreateAndPrune(t *testing.T) {
	dest := t.TempDir()
	a := NewArchiver(dest, "storage-1", testLogger())

	sources := make([]string, 2)
	for i := range sources {
		sources[i] = t.TempDir()
		for j := 0; j < 50; j++ {
			writeFile(t, sources[i], fmt.Sprintf("f%03d.txt", j), strings.Repeat("payload ", 512))
		}
	}

	// Two jobs archiving in parallel while prunes fire between them, as a
	// two-slot agent would. Every Create must finalize its archive.
	var wg sync.WaitGroup
	errs := make(chan error, 2*len(sources))
	for _, src := range sources {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			_, err := a.Create(context.Background(), src)
			errs <- err
			if err == nil {
				_, pruneErr := a.Prune(src, 10)
				errs <- pruneErr
			}
		}(src)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				_, _ = a.Prune("/data/unrelated", 10)
			}
		}
	}()

	wg.Wait()
	close(done)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), wipSuffix)
	}
}

func TestPruneEmptyRoot(t *testing.T) {
	a := NewArchiver(filepath.Join(t.TempDir(), "missing"), "storage-1", testLogger())

	removed, err := a.Prune("/data/vol1", 3)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func readArchiveNames(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	return names
}
