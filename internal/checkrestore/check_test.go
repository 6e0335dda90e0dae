package checkrestore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antony-hash512/zero-kelvin/internal/manifest"
)

func TestCheckFileMatchesOnEqualSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.txt")
	archived := filepath.Join(dir, "archived.txt")
	require.NoError(t, os.WriteFile(live, []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(archived, []byte("world"), 0o600))

	var summary Summary
	liveInfo, _ := os.Lstat(live)
	archiveInfo, _ := os.Lstat(archived)
	require.NoError(t, checkFile(live, archived, liveInfo, archiveInfo, CheckOptions{}, &summary, nil))
	require.Equal(t, 1, summary.FilesMatched)
}

func TestCheckFileMismatchesOnDifferentSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.txt")
	archived := filepath.Join(dir, "archived.txt")
	require.NoError(t, os.WriteFile(live, []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(archived, []byte("hello world"), 0o600))

	var summary Summary
	liveInfo, _ := os.Lstat(live)
	archiveInfo, _ := os.Lstat(archived)
	require.NoError(t, checkFile(live, archived, liveInfo, archiveInfo, CheckOptions{}, &summary, nil))
	require.Equal(t, 1, summary.Mismatched)
}

func TestCheckFileUseCmpDetectsByteLevelMismatchDespiteEqualSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.txt")
	archived := filepath.Join(dir, "archived.txt")
	require.NoError(t, os.WriteFile(live, []byte("aaaaa"), 0o600))
	require.NoError(t, os.WriteFile(archived, []byte("bbbbb"), 0o600))

	var summary Summary
	liveInfo, _ := os.Lstat(live)
	archiveInfo, _ := os.Lstat(archived)
	require.NoError(t, checkFile(live, archived, liveInfo, archiveInfo, CheckOptions{UseCmp: true}, &summary, nil))
	require.Equal(t, 1, summary.Mismatched)
}

func TestCheckFileDeleteSkipsWhenLiveIsNewer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.txt")
	archived := filepath.Join(dir, "archived.txt")
	require.NoError(t, os.WriteFile(archived, []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(live, []byte("hello"), 0o600))
	newer := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(live, newer, newer))

	var summary Summary
	liveInfo, _ := os.Lstat(live)
	archiveInfo, _ := os.Lstat(archived)
	require.NoError(t, checkFile(live, archived, liveInfo, archiveInfo, CheckOptions{Delete: true}, &summary, discardLogger()))
	require.Equal(t, 1, summary.SkippedAsNewer)

	_, err := os.Stat(live)
	require.NoError(t, err)
}

func TestCheckFileDeleteForceDeleteIgnoresNewerMtime(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.txt")
	archived := filepath.Join(dir, "archived.txt")
	require.NoError(t, os.WriteFile(archived, []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(live, []byte("hello"), 0o600))
	newer := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(live, newer, newer))

	var summary Summary
	liveInfo, _ := os.Lstat(live)
	archiveInfo, _ := os.Lstat(archived)
	require.NoError(t, checkFile(live, archived, liveInfo, archiveInfo, CheckOptions{Delete: true, ForceDelete: true}, &summary, discardLogger()))
	require.Equal(t, 1, summary.FilesDeleted)

	_, err := os.Stat(live)
	require.True(t, os.IsNotExist(err))
}

func TestCheckDirectoryReclassifiesAsMatchWhenNonEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live")
	require.NoError(t, os.Mkdir(live, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(live, "child"), []byte("x"), 0o600))

	var summary Summary
	require.NoError(t, checkDirectory(live, CheckOptions{Delete: true}, &summary))
	require.Equal(t, 1, summary.DirsMatched)
	require.Equal(t, 0, summary.DirsDeleted)
}

func TestCheckDirectoryDeletesWhenEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := filepath.Join(dir, "live")
	require.NoError(t, os.Mkdir(live, 0o700))

	var summary Summary
	require.NoError(t, checkDirectory(live, CheckOptions{Delete: true}, &summary))
	require.Equal(t, 1, summary.DirsDeleted)

	_, err := os.Stat(live)
	require.True(t, os.IsNotExist(err))
}

func TestDepthOfOrdersDeeperPathsFirst(t *testing.T) {
	t.Parallel()

	shallow := manifest.FileEntry{RestorePath: "/a"}
	deep := manifest.FileEntry{RestorePath: "/a/b/c"}
	require.Greater(t, depthOf(deep), depthOf(shallow))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
