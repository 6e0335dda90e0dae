package pathutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/antony-hash512/zero-kelvin/internal/pathutil"
)

func TestExpandTildeHome(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/home/alice", pathutil.ExpandTilde("~", "/home/alice"))
}

func TestExpandTildePath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/home/alice/Documents/file.txt", pathutil.ExpandTilde("~/Documents/file.txt", "/home/alice"))
}

func TestExpandTildeNoExpandAbsolute(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/tmp/file", pathutil.ExpandTilde("/tmp/file", "/home/alice"))
}

func TestExpandTildeNoExpandRelative(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Documents/file.txt", pathutil.ExpandTilde("Documents/file.txt", "/home/alice"))
}

func TestUnescapeMountinfoPlain(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/tmp/0k-cache-1000", pathutil.UnescapeMountinfoOctal("/tmp/0k-cache-1000"))
}

func TestUnescapeMountinfoSpace(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/tmp/my dir", pathutil.UnescapeMountinfoOctal(`/tmp/my\040dir`))
}

func TestUnescapeMountinfoTab(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/tmp/a\tb", pathutil.UnescapeMountinfoOctal(`/tmp/a\011b`))
}

func TestUnescapeMountinfoNoOctal(t *testing.T) {
	t.Parallel()
	require.Equal(t, `/tmp/a\bc`, pathutil.UnescapeMountinfoOctal(`/tmp/a\bc`))
}

// TestUnescapeMountinfoOctalIsLeftInverse checks the property the spec
// names directly: unescaping the kernel's own escaping of space, tab,
// newline and backslash recovers the original byte exactly.
func TestUnescapeMountinfoOctalIsLeftInverse(t *testing.T) {
	t.Parallel()

	escape := func(c byte) string {
		switch c {
		case ' ':
			return `\040`
		case '\t':
			return `\011`
		case '\n':
			return `\012`
		case '\\':
			return `\134`
		default:
			return string(c)
		}
	}

	f := func(prefix, suffix string, which uint8) bool {
		chars := []byte{' ', '\t', '\n', '\\'}
		c := chars[which%4]
		escaped := prefix + escape(c) + suffix
		original := prefix + string(c) + suffix
		return pathutil.UnescapeMountinfoOctal(escaped) == original
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestSniffLUKSHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	luksFile := filepath.Join(dir, "archive.luks")
	require.NoError(t, os.WriteFile(luksFile, append([]byte{'L', 'U', 'K', 'S', 0xba, 0xbe}, []byte("rest of header")...), 0o644))

	plainFile := filepath.Join(dir, "plain.sqfs")
	require.NoError(t, os.WriteFile(plainFile, []byte("hsqs-not-luks"), 0o644))

	isLuks, err := pathutil.SniffLUKSHeader(luksFile)
	require.NoError(t, err)
	require.True(t, isLuks)

	isLuks, err = pathutil.SniffLUKSHeader(plainFile)
	require.NoError(t, err)
	require.False(t, isLuks)
}

func TestSecureJoinKeepsEscapeWithinRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	joined, err := pathutil.SecureJoin(dir, "sub/path")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sub/path"), joined)

	// A "../" component can never escape root: securejoin resolves it
	// lexically within root rather than walking up past it.
	escaped, err := pathutil.SecureJoin(dir, "../../etc/passwd")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(escaped, dir))
}
