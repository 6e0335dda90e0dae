package checkrestore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/antony-hash512/zero-kelvin/internal/archive"
	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/manifest"
	"github.com/antony-hash512/zero-kelvin/internal/pathutil"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// Summary carries the nine named counters from a completed Check run.
type Summary struct {
	FilesMatched   int
	DirsMatched    int
	LinksMatched   int
	Mismatched     int
	Missing        int
	SkippedAsNewer int
	FilesDeleted   int
	DirsDeleted    int
	LinksDeleted   int
}

// CheckOptions configures one check run.
type CheckOptions struct {
	UseCmp      bool
	Delete      bool
	ForceDelete bool
}

const compareBufSize = 8 * 1024

// Check mounts archivePath, loads its manifest, and compares each entry
// against the corresponding live path, walking bottom-up (directories
// last) so a directory only empties out after its children have been
// evaluated and possibly deleted.
func Check(ctx context.Context, exec executor.CommandExecutor, archivePath string, opts CheckOptions, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var summary Summary

	mountPoint, err := os.MkdirTemp("", "0k-mount-")
	if err != nil {
		return summary, zkerrors.Wrap(zkerrors.IO, "checkrestore.Check", err)
	}
	defer os.Remove(mountPoint)

	guard, err := archive.MountArchive(ctx, exec, archivePath, mountPoint)
	if err != nil {
		return summary, err
	}
	defer guard.Release(ctx)

	m, err := loadManifest(mountPoint)
	if err != nil {
		return summary, err
	}

	entries := append([]manifest.FileEntry(nil), m.Files...)
	sort.SliceStable(entries, func(i, j int) bool {
		return depthOf(entries[i]) > depthOf(entries[j]) // deepest first: directories-last bottom-up order
	})

	for _, entry := range entries {
		relDest, err := entry.Resolve()
		if err != nil {
			return summary, err
		}
		liveRoot, err := pathutil.SecureJoin("/", relDest)
		if err != nil {
			return summary, err
		}
		archiveRoot := filepath.Join(mountPoint, "to_restore", strconv.FormatUint(uint64(entry.ID), 10), entry.Name)

		if err := checkEntry(entry, liveRoot, archiveRoot, opts, &summary, logger); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func depthOf(entry manifest.FileEntry) int {
	path := entry.RestorePath
	if path == "" {
		path = entry.OriginalPath
	}
	depth := 0
	for _, r := range path {
		if r == '/' {
			depth++
		}
	}
	return depth
}

func checkEntry(entry manifest.FileEntry, liveRoot, archiveRoot string, opts CheckOptions, summary *Summary, logger *slog.Logger) error {
	liveInfo, liveErr := os.Lstat(liveRoot)
	if os.IsNotExist(liveErr) {
		summary.Missing++
		return nil
	}
	if liveErr != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkEntry", liveErr)
	}

	archiveInfo, archiveErr := os.Lstat(archiveRoot)
	if archiveErr != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkEntry", archiveErr)
	}

	typeMatch := sameType(entry.Type, liveInfo)
	if !typeMatch {
		summary.Mismatched++
		return nil
	}

	switch entry.Type {
	case manifest.EntryDirectory:
		return checkDirectory(liveRoot, opts, summary)
	case manifest.EntrySymlink:
		return checkSymlink(liveRoot, archiveRoot, opts, summary)
	default:
		return checkFile(liveRoot, archiveRoot, liveInfo, archiveInfo, opts, summary, logger)
	}
}

func sameType(t manifest.EntryType, info os.FileInfo) bool {
	switch t {
	case manifest.EntryDirectory:
		return info.IsDir()
	case manifest.EntrySymlink:
		return info.Mode()&os.ModeSymlink != 0
	default:
		return info.Mode().IsRegular()
	}
}

func checkDirectory(liveRoot string, opts CheckOptions, summary *Summary) error {
	if opts.Delete {
		err := os.Remove(liveRoot)
		switch {
		case err == nil:
			summary.DirsDeleted++
			return nil
		case isDirNotEmpty(err):
			summary.DirsMatched++
			return nil
		default:
			return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkDirectory", err)
		}
	}
	summary.DirsMatched++
	return nil
}

func isDirNotEmpty(err error) bool {
	errno, ok := zkerrors.RawErrno(err)
	return ok && (errno == syscall.ENOTEMPTY || errno == syscall.EEXIST)
}

func checkSymlink(liveRoot, archiveRoot string, opts CheckOptions, summary *Summary) error {
	liveTarget, err := os.Readlink(liveRoot)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkSymlink", err)
	}
	archiveTarget, err := os.Readlink(archiveRoot)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkSymlink", err)
	}
	if liveTarget != archiveTarget {
		summary.Mismatched++
		return nil
	}

	if opts.Delete && deleteGate(liveRoot, archiveRoot, opts) {
		if err := os.Remove(liveRoot); err != nil {
			return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkSymlink", err)
		}
		summary.LinksDeleted++
		return nil
	}
	summary.LinksMatched++
	return nil
}

func checkFile(liveRoot, archiveRoot string, liveInfo, archiveInfo os.FileInfo, opts CheckOptions, summary *Summary, logger *slog.Logger) error {
	if liveInfo.Size() != archiveInfo.Size() {
		summary.Mismatched++
		return nil
	}

	if opts.UseCmp {
		identical, err := filesIdentical(liveRoot, archiveRoot)
		if err != nil {
			return err
		}
		if !identical {
			summary.Mismatched++
			return nil
		}
	}

	if opts.Delete {
		if !deleteGate(liveRoot, archiveRoot, opts) {
			logger.Info("checkrestore: skipping delete, live copy is newer", "path", liveRoot)
			summary.SkippedAsNewer++
			return nil
		}
		if err := os.Remove(liveRoot); err != nil {
			return zkerrors.Wrap(zkerrors.IO, "checkrestore.checkFile", err)
		}
		summary.FilesDeleted++
		return nil
	}

	summary.FilesMatched++
	return nil
}

// deleteGate implements the mtime safety gate: delete proceeds if
// force_delete is set, if use_cmp established content identity (overriding
// mtime), or if the live copy is not newer than the archive copy.
func deleteGate(liveRoot, archiveRoot string, opts CheckOptions) bool {
	if opts.ForceDelete || opts.UseCmp {
		return true
	}
	liveInfo, err := os.Stat(liveRoot)
	if err != nil {
		return false
	}
	archiveInfo, err := os.Stat(archiveRoot)
	if err != nil {
		return false
	}
	return !liveInfo.ModTime().After(archiveInfo.ModTime())
}

func filesIdentical(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, zkerrors.Wrap(zkerrors.IO, "checkrestore.filesIdentical", err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, zkerrors.Wrap(zkerrors.IO, "checkrestore.filesIdentical", err)
	}
	defer fb.Close()

	bufA := make([]byte, compareBufSize)
	bufB := make([]byte, compareBufSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		doneB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if doneA != doneB {
			return false, nil
		}
		if doneA {
			return true, nil
		}
		if errA != nil {
			return false, zkerrors.Wrap(zkerrors.IO, "checkrestore.filesIdentical", errA)
		}
		if errB != nil {
			return false, zkerrors.Wrap(zkerrors.IO, "checkrestore.filesIdentical", errB)
		}
	}
}
