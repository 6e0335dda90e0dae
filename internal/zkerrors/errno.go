package zkerrors

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// RawErrno extracts the raw POSIX errno from err, unwrapping fs.PathError,
// os.LinkError and similar OS-layer wrappers along the way.
func RawErrno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return RawErrno(pathErr.Err)
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return RawErrno(linkErr.Err)
	}

	return 0, false
}
