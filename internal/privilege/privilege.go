// Package privilege resolves the engine's effective UID, discovers an
// elevation helper to re-execute through when a permission-denied error
// surfaces at the CLI boundary, and locates the per-user cache root used by
// staging.
package privilege

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// defaultHelpers is the whitelist of elevation helpers tried, in order, when
// ROOT_CMD does not name one explicitly.
var defaultHelpers = []string{"sudo", "doas", "sudo-rs", "run0", "pkexec", "please"}

// IsWhitelistedHelper reports whether name is one of the known elevation
// helpers. ROOT_CMD values and allow-list config entries are both checked
// against this set.
func IsWhitelistedHelper(name string) bool {
	for _, h := range defaultHelpers {
		if h == name {
			return true
		}
	}
	return false
}

// EUID returns the process's effective UID. This is a one-line wrapper
// around a syscall with no ecosystem library precedent for it; there is
// nothing a third-party dependency would add here.
func EUID() int { return os.Geteuid() }

// IsRoot reports whether the process is currently running with effective
// UID 0.
func IsRoot() bool { return EUID() == 0 }

// LookupHelper finds an available elevation helper. If ROOT_CMD is set, its
// first whitespace-separated token is used if (and only if) it is
// whitelisted and found on PATH; otherwise the whitelist is tried in order.
// It returns ("", false) if none is both whitelisted and resolvable.
func LookupHelper(getenv func(string) string, lookPath func(string) (string, error)) (string, bool) {
	if raw := getenv("ROOT_CMD"); raw != "" {
		fields := strings.Fields(raw)
		if len(fields) > 0 && IsWhitelistedHelper(fields[0]) {
			if _, err := lookPath(fields[0]); err == nil {
				return fields[0], true
			}
		}
		return "", false
	}

	for _, h := range defaultHelpers {
		if _, err := lookPath(h); err == nil {
			return h, true
		}
	}
	return "", false
}

// RealLookupHelper is LookupHelper wired to the real environment and PATH.
func RealLookupHelper() (string, bool) {
	return LookupHelper(os.Getenv, exec.LookPath)
}

// AllowedRootCmds is the optional $XDG_CONFIG_HOME/0k/allowed_root_cmds.yaml
// document restricting which elevation helper may be used by default.
type AllowedRootCmds struct {
	Default string   `yaml:"default"`
	Allowed []string `yaml:"allowed"`
}

var helperNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LoadAllowedRootCmds reads and validates the elevation allow-list config at
// path. Any violation of the required invariants (not a symlink, owned by
// invokingUID, mode exactly 0600, every name matching [A-Za-z0-9_-]+,
// default present in allowed) causes the file to be ignored with a warning
// rather than treated as a hard failure, matching the engine's
// fail-open-with-warning posture for this particular config file.
func LoadAllowedRootCmds(path string, invokingUID int, logger *slog.Logger) (*AllowedRootCmds, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("allowed_root_cmds.yaml unreadable, ignoring", "path", path, "error", err)
		}
		return nil, false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		logger.Warn("allowed_root_cmds.yaml is a symlink, ignoring", "path", path)
		return nil, false
	}
	if stat, ok := statOwner(info); ok && stat != invokingUID {
		logger.Warn("allowed_root_cmds.yaml not owned by invoking user, ignoring", "path", path)
		return nil, false
	}
	if info.Mode().Perm() != 0o600 {
		logger.Warn("allowed_root_cmds.yaml has unsafe permissions, ignoring", "path", path, "mode", info.Mode().Perm())
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("allowed_root_cmds.yaml unreadable, ignoring", "path", path, "error", err)
		return nil, false
	}

	var cfg AllowedRootCmds
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		logger.Warn("allowed_root_cmds.yaml malformed, ignoring", "path", path, "error", err)
		return nil, false
	}

	for _, name := range cfg.Allowed {
		if !helperNamePattern.MatchString(name) {
			logger.Warn("allowed_root_cmds.yaml has an invalid name, ignoring", "path", path, "name", name)
			return nil, false
		}
	}
	if !slicesContains(cfg.Allowed, cfg.Default) {
		logger.Warn("allowed_root_cmds.yaml default is not in allowed, ignoring", "path", path, "default", cfg.Default)
		return nil, false
	}

	return &cfg, true
}

func slicesContains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// CacheRoot resolves $TMPDIR/0k-cache-<uid> (default /tmp/0k-cache-<uid>)
// and ensures it exists with mode 0700, owned by uid. It refuses to use the
// path if it exists as a symlink, is owned by someone else, or is not a
// directory — a TOCTOU-safe per-user temp dir as required by the staging
// protocol.
func CacheRoot(getenv func(string) string, uid int) (string, error) {
	tmpdir := getenv("TMPDIR")
	if tmpdir == "" {
		tmpdir = "/tmp"
	}
	root := filepath.Join(tmpdir, fmt.Sprintf("0k-cache-%d", uid))

	info, err := os.Lstat(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.Mkdir(root, 0o700); err != nil {
			return "", zkerrors.Wrap(zkerrors.Staging, "privilege.CacheRoot", err)
		}
		return root, nil
	case err != nil:
		return "", zkerrors.Wrap(zkerrors.Staging, "privilege.CacheRoot", err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return "", zkerrors.New(zkerrors.Staging, "privilege.CacheRoot", fmt.Sprintf("%s exists as a symlink, refusing to use it as a cache root", root))
	}
	if !info.IsDir() {
		return "", zkerrors.New(zkerrors.Staging, "privilege.CacheRoot", fmt.Sprintf("%s exists and is not a directory", root))
	}
	if owner, ok := statOwner(info); ok && owner != uid {
		return "", zkerrors.New(zkerrors.Staging, "privilege.CacheRoot", fmt.Sprintf("%s is owned by a different user, refusing to use it as a cache root", root))
	}
	return root, nil
}
