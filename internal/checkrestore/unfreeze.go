package checkrestore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/antony-hash512/zero-kelvin/internal/archive"
	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/manifest"
	"github.com/antony-hash512/zero-kelvin/internal/pathutil"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// ConflictPolicy governs what Unfreeze does when a restore destination
// already exists.
type ConflictPolicy string

const (
	ConflictSkipExisting ConflictPolicy = "skip_existing"
	ConflictOverwrite    ConflictPolicy = "overwrite"
)

// ElevationRetry re-runs one failed rsync invocation through an elevation
// helper (e.g. "sudo rsync ..."), returning the helper's result.
type ElevationRetry func(ctx context.Context, args []string) (executor.Result, error)

// UnfreezeOptions configures one restore run.
type UnfreezeOptions struct {
	IsRoot   bool
	Conflict ConflictPolicy
	Elevate  ElevationRetry // nil if no elevation helper is available
}

// Unfreeze mounts archivePath, loads its manifest, and restores every entry
// onto the live filesystem per §4.6.
func Unfreeze(ctx context.Context, exec executor.CommandExecutor, fsys afero.Fs, archivePath string, opts UnfreezeOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	isLUKS, err := pathutil.SniffLUKSHeader(archivePath)
	if err != nil {
		return err
	}
	if isLUKS && !opts.IsRoot {
		return zkerrors.New(zkerrors.OperationFailed, "checkrestore.Unfreeze", "refusing to unfreeze a LUKS archive without root privileges")
	}

	mountPoint, err := os.MkdirTemp("", "0k-mount-")
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.Unfreeze", err)
	}
	defer os.Remove(mountPoint)

	guard, err := archive.MountArchive(ctx, exec, archivePath, mountPoint)
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	m, err := loadManifest(mountPoint)
	if err != nil {
		return err
	}

	for _, entry := range m.Files {
		relDest, err := entry.Resolve()
		if err != nil {
			return err
		}
		destPath, err := resolveDest(fsys, "/", relDest)
		if err != nil {
			return err
		}

		srcPath := filepath.Join(mountPoint, "to_restore", strconv.FormatUint(uint64(entry.ID), 10), entry.Name)
		if err := restoreEntry(ctx, exec, entry, srcPath, destPath, opts, logger); err != nil {
			return err
		}
	}
	return nil
}

func loadManifest(mountPoint string) (*manifest.Manifest, error) {
	f, err := os.Open(filepath.Join(mountPoint, "list.yaml"))
	if err != nil {
		return nil, zkerrors.Wrap(zkerrors.Manifest, "checkrestore.loadManifest", err)
	}
	defer f.Close()
	return manifest.Load(f)
}

func restoreEntry(ctx context.Context, exec executor.CommandExecutor, entry manifest.FileEntry, srcPath, destPath string, opts UnfreezeOptions, logger *slog.Logger) error {
	args := []string{"-a"}

	src := srcPath
	if entry.Type == manifest.EntryDirectory {
		src = strings.TrimRight(srcPath, "/") + "/"
		if opts.Conflict == ConflictSkipExisting {
			args = append(args, "--ignore-existing")
		} else if opts.Conflict != ConflictOverwrite {
			if _, err := os.Lstat(destPath); err == nil {
				return zkerrors.New(zkerrors.OperationFailed, "checkrestore.restoreEntry", "destination conflict and no conflict policy was given")
			}
		}
	} else {
		if _, err := os.Lstat(destPath); err == nil {
			switch opts.Conflict {
			case ConflictSkipExisting:
				logger.Info("checkrestore: skipping existing file", "path", destPath)
				return nil
			case ConflictOverwrite:
				// fall through to copy
			default:
				return zkerrors.New(zkerrors.OperationFailed, "checkrestore.restoreEntry", "destination exists and no conflict policy was given: "+destPath)
			}
		}
	}
	args = append(args, src, destPath)

	res, err := exec.Run(ctx, "rsync", args...)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "checkrestore.restoreEntry", err)
	}
	if res.Success() {
		return nil
	}

	if isPermissionDenied(res.Stderr) && opts.Elevate != nil {
		res, err = opts.Elevate(ctx, args)
		if err != nil {
			return zkerrors.Wrap(zkerrors.IO, "checkrestore.restoreEntry", err)
		}
		if res.Success() {
			return nil
		}
	}
	return zkerrors.New(zkerrors.IO, "checkrestore.restoreEntry", "rsync failed restoring "+destPath+": "+string(res.Stderr))
}

func isPermissionDenied(stderr []byte) bool {
	return strings.Contains(strings.ToLower(string(stderr)), "permission denied")
}
