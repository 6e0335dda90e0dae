package privilege_test

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antony-hash512/zero-kelvin/internal/privilege"
)

func TestEUIDMatchesGeteuid(t *testing.T) {
	t.Parallel()
	require.Equal(t, os.Geteuid(), privilege.EUID())
	require.Equal(t, os.Geteuid() == 0, privilege.IsRoot())
}

func TestLookupHelperHonorsWhitelistedRootCmd(t *testing.T) {
	t.Parallel()

	getenv := func(k string) string {
		if k == "ROOT_CMD" {
			return "doas --extra-arg"
		}
		return ""
	}
	lookPath := func(name string) (string, error) {
		if name == "doas" {
			return "/usr/bin/doas", nil
		}
		return "", errors.New("not found")
	}

	helper, ok := privilege.LookupHelper(getenv, lookPath)
	require.True(t, ok)
	require.Equal(t, "doas", helper)
}

func TestLookupHelperRejectsNonWhitelistedRootCmd(t *testing.T) {
	t.Parallel()

	getenv := func(k string) string {
		if k == "ROOT_CMD" {
			return "rm -rf /"
		}
		return ""
	}
	lookPath := func(string) (string, error) { return "/usr/bin/rm", nil }

	_, ok := privilege.LookupHelper(getenv, lookPath)
	require.False(t, ok)
}

func TestLookupHelperFallsBackToWhitelistOrder(t *testing.T) {
	t.Parallel()

	getenv := func(string) string { return "" }
	lookPath := func(name string) (string, error) {
		if name == "pkexec" {
			return "/usr/bin/pkexec", nil
		}
		return "", errors.New("not found")
	}

	helper, ok := privilege.LookupHelper(getenv, lookPath)
	require.True(t, ok)
	require.Equal(t, "pkexec", helper)
}

func TestLookupHelperNoneAvailable(t *testing.T) {
	t.Parallel()

	getenv := func(string) string { return "" }
	lookPath := func(string) (string, error) { return "", errors.New("not found") }

	_, ok := privilege.LookupHelper(getenv, lookPath)
	require.False(t, ok)
}

func TestCacheRootCreatesWithSafeMode(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	getenv := func(k string) string {
		if k == "TMPDIR" {
			return tmp
		}
		return ""
	}

	root, err := privilege.CacheRoot(getenv, os.Geteuid())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmp, fmt.Sprintf("0k-cache-%d", os.Geteuid())), root)

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestCacheRootRefusesSymlink(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	realDir := filepath.Join(tmp, "real")
	require.NoError(t, os.Mkdir(realDir, 0o700))

	uid := os.Geteuid()
	linkPath := filepath.Join(tmp, fmt.Sprintf("0k-cache-%d", uid))
	require.NoError(t, os.Symlink(realDir, linkPath))

	getenv := func(k string) string {
		if k == "TMPDIR" {
			return tmp
		}
		return ""
	}

	_, err := privilege.CacheRoot(getenv, uid)
	require.Error(t, err)
}

func TestLoadAllowedRootCmdsValid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "allowed_root_cmds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: doas\nallowed: [doas, sudo]\n"), 0o600))

	cfg, ok := privilege.LoadAllowedRootCmds(path, os.Geteuid(), discardLogger())
	require.True(t, ok)
	require.Equal(t, "doas", cfg.Default)
}

func TestLoadAllowedRootCmdsRejectsBadMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "allowed_root_cmds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: doas\nallowed: [doas]\n"), 0o644))

	_, ok := privilege.LoadAllowedRootCmds(path, os.Geteuid(), discardLogger())
	require.False(t, ok)
}

func TestLoadAllowedRootCmdsRejectsDefaultNotInAllowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "allowed_root_cmds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: pkexec\nallowed: [doas]\n"), 0o600))

	_, ok := privilege.LoadAllowedRootCmds(path, os.Geteuid(), discardLogger())
	require.False(t, ok)
}

func TestLoadAllowedRootCmdsRejectsBadName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "allowed_root_cmds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: 'doas; rm'\nallowed: ['doas; rm']\n"), 0o600))

	_, ok := privilege.LoadAllowedRootCmds(path, os.Geteuid(), discardLogger())
	require.False(t, ok)
}

func TestLoadAllowedRootCmdsMissingFileIsIgnored(t *testing.T) {
	t.Parallel()

	_, ok := privilege.LoadAllowedRootCmds(filepath.Join(t.TempDir(), "missing.yaml"), os.Geteuid(), discardLogger())
	require.False(t, ok)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
