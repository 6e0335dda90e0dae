// Package staging implements the build-directory protocol: materializing a
// staged copy of live paths as empty stubs (never copying bytes) under a
// locked, per-run build directory, ready for the freeze driver to bind-mount
// real content over and hand to the archive builder.
package staging

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/antony-hash512/zero-kelvin/internal/manifest"
	"github.com/antony-hash512/zero-kelvin/internal/privilege"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

const (
	payloadDirName = "payload"
	restoreDirName = "to_restore"
	manifestName   = "list.yaml"
	lockFileName   = ".lock"
)

// Locker abstracts the advisory exclusive lock taken on a build directory's
// .lock file. The real implementation uses golang.org/x/sys/unix.Flock;
// tests substitute an in-memory fake so staging logic can be exercised
// without a real file descriptor to lock.
type Locker interface {
	// Lock acquires an exclusive lock on path, blocking until it is free,
	// and returns a release function.
	Lock(path string) (release func() error, err error)

	// TryLock attempts a non-blocking exclusive lock on path; ok is false
	// if the lock is already held.
	TryLock(path string) (release func() error, ok bool, err error)
}

// Session is a prepared, locked build directory ready for the freeze
// driver. It exclusively owns the build directory and its lock; Close
// releases the lock. The directory itself is not removed by Session or by
// the freeze path, on success or failure; GC removes build directories
// whose lock is no longer held.
type Session struct {
	BuildDir    string
	PayloadDir  string
	RestoreRoot string
	Manifest    *manifest.Manifest

	releaseLock func() error
	closed      bool
}

// Close releases the session's advisory lock. It is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.releaseLock == nil {
		return nil
	}
	return s.releaseLock()
}

// Prepare materializes a new build directory for targets (which must be
// absolute paths) under the resolved cache root, stubs every target, and
// writes the manifest. dereference selects stat vs lstat for the
// top-level targets themselves (symlinks nested inside a target directory
// are always preserved, since staging only stubs the targets, not their
// contents — the freeze driver's bind mounts bring the real tree back).
func Prepare(fsys afero.Fs, locker Locker, getenv func(string) string, targets []string, dereference bool, hostname string, now time.Time) (*Session, error) {
	if len(targets) == 0 {
		return nil, zkerrors.New(zkerrors.Staging, "staging.Prepare", "no targets given")
	}

	uid := privilege.EUID()
	cacheRoot, err := privilege.CacheRoot(getenv, uid)
	if err != nil {
		return nil, err
	}

	buildDir := filepath.Join(cacheRoot, fmt.Sprintf("build_%d_%d", now.Unix(), rand.Uint32())) //nolint:gosec // not security-sensitive, just a collision-avoidance suffix
	if err := fsys.Mkdir(buildDir, 0o700); err != nil {
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}

	lockPath := filepath.Join(buildDir, lockFileName)
	if err := afero.WriteFile(fsys, lockPath, nil, 0o600); err != nil {
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}
	release, err := locker.Lock(lockPath)
	if err != nil {
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}

	session := &Session{BuildDir: buildDir, releaseLock: release}

	payloadDir := filepath.Join(buildDir, payloadDirName)
	restoreRoot := filepath.Join(payloadDir, restoreDirName)
	if err := fsys.Mkdir(payloadDir, 0o755); err != nil {
		_ = session.Close()
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}
	if err := fsys.Mkdir(restoreRoot, 0o755); err != nil {
		_ = session.Close()
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}
	session.PayloadDir = payloadDir
	session.RestoreRoot = restoreRoot

	entries := make([]manifest.FileEntry, 0, len(targets))
	for i, target := range targets {
		if !filepath.IsAbs(target) {
			_ = session.Close()
			return nil, zkerrors.New(zkerrors.InvalidPath, "staging.Prepare", fmt.Sprintf("target %q is not an absolute path", target))
		}

		id := uint32(i + 1) //nolint:gosec // targets lists are bounded well under 2^32
		entry, err := stageTarget(fsys, restoreRoot, id, target, dereference)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}

	mode := manifest.PrivilegeUser
	if privilege.IsRoot() {
		mode = manifest.PrivilegeRoot
	}
	m := &manifest.Manifest{
		Metadata: manifest.Metadata{Date: now.Format(time.UnixDate), Host: hostname, PrivilegeMode: &mode},
		Files:    entries,
	}
	session.Manifest = m

	f, err := fsys.OpenFile(filepath.Join(payloadDir, manifestName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = session.Close()
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.Prepare", err)
	}
	defer f.Close()
	if err := m.Encode(f); err != nil {
		_ = session.Close()
		return nil, err
	}

	return session, nil
}

func stageTarget(fsys afero.Fs, restoreRoot string, id uint32, target string, dereference bool) (manifest.FileEntry, error) {
	var info fs.FileInfo
	var err error
	if dereference {
		info, err = fsys.Stat(target)
	} else {
		info, _, err = afero.LstatIfPossible(fsys, target)
	}
	if err != nil {
		return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.IO, "staging.stageTarget", err)
	}

	name := filepath.Base(target)
	restorePath := filepath.Dir(target)

	containerDir := filepath.Join(restoreRoot, fmt.Sprintf("%d", id))
	if err := fsys.Mkdir(containerDir, 0o755); err != nil {
		return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.Staging, "staging.stageTarget", err)
	}
	stubPath := filepath.Join(containerDir, name)

	var entryType manifest.EntryType
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		entryType = manifest.EntrySymlink
		linker, ok := fsys.(afero.LinkReader)
		if !ok {
			return manifest.FileEntry{}, zkerrors.New(zkerrors.Staging, "staging.stageTarget", "filesystem does not support reading symlinks")
		}
		linkTarget, err := linker.ReadlinkIfPossible(target)
		if err != nil {
			return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.IO, "staging.stageTarget", err)
		}
		symlinker, ok := fsys.(afero.Symlinker)
		if !ok {
			return manifest.FileEntry{}, zkerrors.New(zkerrors.Staging, "staging.stageTarget", "filesystem does not support creating symlinks")
		}
		if err := symlinker.SymlinkIfPossible(linkTarget, stubPath); err != nil {
			return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.IO, "staging.stageTarget", err)
		}
	case info.IsDir():
		entryType = manifest.EntryDirectory
		if err := fsys.Mkdir(stubPath, 0o755); err != nil {
			return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.Staging, "staging.stageTarget", err)
		}
	default:
		entryType = manifest.EntryFile
		f, err := fsys.Create(stubPath)
		if err != nil {
			return manifest.FileEntry{}, zkerrors.Wrap(zkerrors.Staging, "staging.stageTarget", err)
		}
		f.Close()
	}

	return manifest.FileEntry{ID: id, Type: entryType, Name: name, RestorePath: restorePath}, nil
}

// GC sweeps app-cache-root siblings of already-running builds, removing any
// whose .lock is not held by a live process. A non-blocking lock attempt
// that succeeds means the owner is dead.
func GC(fsys afero.Fs, locker Locker, cacheRoot string, logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}) error {
	entries, err := afero.ReadDir(fsys, cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return zkerrors.Wrap(zkerrors.Staging, "staging.GC", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "build_") {
			continue
		}
		dir := filepath.Join(cacheRoot, e.Name())
		lockPath := filepath.Join(dir, lockFileName)

		if _, err := fsys.Stat(lockPath); err != nil {
			continue
		}
		release, ok, err := locker.TryLock(lockPath)
		if err != nil || !ok {
			continue
		}
		if err := fsys.RemoveAll(dir); err != nil {
			logger.Warn("gc: failed to remove stale build directory", "path", dir, "error", err)
		} else {
			logger.Info("gc: removed stale build directory", "path", dir)
		}
		_ = release()
	}
	return nil
}
