package freezedriver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/freezedriver"
	"github.com/antony-hash512/zero-kelvin/internal/manifest"
)

func TestSelectStrategyTable(t *testing.T) {
	t.Parallel()

	_, err := freezedriver.SelectStrategy(true, 1000)
	require.Error(t, err, "encrypt + non-root must be rejected")

	s, err := freezedriver.SelectStrategy(true, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"-m", "--propagation", "private"}, s.Args)

	s, err = freezedriver.SelectStrategy(false, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"-m", "--propagation", "private"}, s.Args)

	s, err = freezedriver.SelectStrategy(false, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"-m", "-U", "-r", "--propagation", "private"}, s.Args)
}

func TestGenerateScriptEmitsBindMountsInOrderAndSkipsSymlinks(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{Files: []manifest.FileEntry{
		{ID: 1, Type: manifest.EntryFile, Name: "doc.txt", RestorePath: "/home/user"},
		{ID: 2, Type: manifest.EntrySymlink, Name: "link", RestorePath: "/home/user"},
		{ID: 3, Type: manifest.EntryDirectory, Name: "pics", RestorePath: "/home/user"},
	}}

	script, err := freezedriver.GenerateScript(m, "/tmp/0k-cache-1000/build_1_1", "/tmp/0k-cache-1000/build_1_1/payload", freezedriver.Options{
		ExecutablePath: "/usr/bin/0k",
		Output:         "/mnt/archive.sqfs",
		Progress:       freezedriver.ProgressNone,
	})
	require.NoError(t, err)

	require.Contains(t, script, "#!/bin/sh\nset -e\n")
	require.Contains(t, script, "mount --bind '/home/user/doc.txt' '/tmp/0k-cache-1000/build_1_1/payload/to_restore/1/doc.txt'\n")
	require.NotContains(t, script, "link")
	require.Contains(t, script, "mount --bind '/home/user/pics' '/tmp/0k-cache-1000/build_1_1/payload/to_restore/3/pics'\n")

	// Bind mounts must precede the archive-builder invocation, and appear
	// in manifest id order.
	docIdx := indexOf(script, "doc.txt'")
	picsIdx := indexOf(script, "pics'")
	createIdx := indexOf(script, "'archive' 'create'")
	require.True(t, docIdx < picsIdx)
	require.True(t, picsIdx < createIdx)
}

func TestGenerateScriptQuotesHostileOutputPath(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{}
	script, err := freezedriver.GenerateScript(m, "/build", "/build/payload", freezedriver.Options{
		ExecutablePath: "/usr/bin/0k",
		Output:         "/mnt/$(rm -rf /).sqfs",
		Progress:       freezedriver.ProgressVanilla,
	})
	require.NoError(t, err)
	require.Contains(t, script, `'/mnt/$(rm -rf /).sqfs'`)
	require.Contains(t, script, "--vanilla-progress")
}

func TestGenerateScriptRejectsEntryMissingPathInfo(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{Files: []manifest.FileEntry{{ID: 1, Type: manifest.EntryFile}}}
	_, err := freezedriver.GenerateScript(m, "/build", "/build/payload", freezedriver.Options{ExecutablePath: "/usr/bin/0k", Output: "/out"})
	require.Error(t, err)
}

func TestRunInvokesUnshareWithStrategyAndScript(t *testing.T) {
	t.Parallel()

	rec := executor.NewRecordingExecutor()
	rec.Program("unshare", executor.Response{ExitCode: 0})

	code, _, err := freezedriver.Run(context.Background(), rec, freezedriver.Strategy{Args: []string{"-m", "--propagation", "private"}}, "/build/freeze.sh")
	require.NoError(t, err)
	require.Equal(t, 0, code)

	inv, ok := rec.LastInvocation("unshare")
	require.True(t, ok)
	require.Equal(t, []string{"-m", "--propagation", "private", "sh", "/build/freeze.sh"}, inv.Args)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
