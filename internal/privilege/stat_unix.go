package privilege

import (
	"io/fs"
	"syscall"
)

// statOwner extracts the owning UID from a FileInfo, returning false if the
// underlying Sys() value isn't a *syscall.Stat_t (never the case on the
// POSIX hosts this engine targets).
func statOwner(info fs.FileInfo) (int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(stat.Uid), true
}
