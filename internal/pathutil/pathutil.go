// Package pathutil collects the small, independent path and privilege
// helpers the engine needs in several packages: tilde expansion, mountinfo
// octal unescaping, LUKS header sniffing, and a securejoin wrapper used by
// the restore walker.
package pathutil

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// ExpandTilde expands a leading "~" or "~/" to home. "~user" is not
// supported. If home is empty or no tilde is present, s is returned
// unchanged.
func ExpandTilde(s, home string) string {
	if s == "~" {
		if home == "" {
			return s
		}
		return home
	}
	if rest, ok := strings.CutPrefix(s, "~/"); ok {
		if home == "" {
			return s
		}
		return strings.TrimRight(home, "/") + "/" + rest
	}
	return s
}

// UnescapeMountinfoOctal reverses the kernel's mountinfo octal escaping of
// space, tab, newline and backslash (e.g. "\040" -> " "). Every backslash
// followed by three octal digits is decoded, not only those four; any other
// backslash sequence, including a trailing unescaped backslash, is left
// untouched.
func UnescapeMountinfoOctal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctalDigit(s[i+1]) && isOctalDigit(s[i+2]) && isOctalDigit(s[i+3]) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctalDigit(c byte) bool { return c >= '0' && c <= '7' }

// luksMagic is the LUKS1/LUKS2 header magic, "LUKS\xba\xbe".
var luksMagic = []byte{'L', 'U', 'K', 'S', 0xba, 0xbe}

// SniffLUKSHeader reports whether path begins with a LUKS header magic.
func SniffLUKSHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, zkerrors.Wrap(zkerrors.IO, "pathutil.SniffLUKSHeader", err)
	}
	defer f.Close()

	buf := make([]byte, len(luksMagic))
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false, nil
	}
	return bytes.Equal(buf[:n], luksMagic), nil
}

// SecureJoin joins root and unsafePath, resolving the result within root
// exactly as the teacher's securejoin-based restore path resolution does,
// so a malicious or dangling symlink component in an archive's manifest
// can never escape the intended destination tree.
func SecureJoin(root, unsafePath string) (string, error) {
	joined, err := securejoin.SecureJoin(root, unsafePath)
	if err != nil {
		return "", zkerrors.Wrap(zkerrors.InvalidPath, "pathutil.SecureJoin", err)
	}
	return joined, nil
}
