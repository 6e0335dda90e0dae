package cleanup_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antony-hash512/zero-kelvin/internal/cleanup"
)

func TestTakeIsExclusive(t *testing.T) {
	t.Parallel()

	r := cleanup.New(nil, nil)
	r.Register("out1", cleanup.Entry{OutputPath: "/tmp/does-not-matter"})

	e, ok := r.Take("out1")
	require.True(t, ok)
	require.Equal(t, "/tmp/does-not-matter", e.OutputPath)

	// A second Take for the same id must see nothing: this is the
	// property that prevents a scoped release and the signal handler
	// from both tearing down the same resource.
	_, ok = r.Take("out1")
	require.False(t, ok)
}

func TestReleaseRemovesOutputFileAndClosesMapper(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "incomplete.sqfs")
	require.NoError(t, os.WriteFile(outPath, []byte("partial"), 0o644))

	var closedMapper string
	r := cleanup.New(func(name string) error {
		closedMapper = name
		return nil
	}, nil)

	r.Register("out1", cleanup.Entry{OutputPath: outPath, MapperName: "sq_example"})
	e, ok := r.Take("out1")
	require.True(t, ok)
	r.Release(e)

	require.Equal(t, "sq_example", closedMapper)
	_, err := os.Stat(outPath)
	require.True(t, os.IsNotExist(err))
}

func TestReleaseToleratesMissingOutputFile(t *testing.T) {
	t.Parallel()

	r := cleanup.New(nil, nil)
	// Must not panic or log-loop when the file is already gone.
	r.Release(cleanup.Entry{OutputPath: filepath.Join(t.TempDir(), "already-gone")})
}
