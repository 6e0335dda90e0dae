package staging

import (
	"golang.org/x/sys/unix"

	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// FlockLocker is the real Locker, backed by flock(2) via
// golang.org/x/sys/unix — the same primitive vendored inside lazydocker's
// storage layer for its own staging-area locking.
type FlockLocker struct{}

func (FlockLocker) Lock(path string) (func() error, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.FlockLocker.Lock", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		_ = unix.Close(fd)
		return nil, zkerrors.Wrap(zkerrors.Staging, "staging.FlockLocker.Lock", err)
	}
	return func() error { return unix.Close(fd) }, nil
}

func (FlockLocker) TryLock(path string) (func() error, bool, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, false, zkerrors.Wrap(zkerrors.Staging, "staging.FlockLocker.TryLock", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, zkerrors.Wrap(zkerrors.Staging, "staging.FlockLocker.TryLock", err)
	}
	return func() error { return unix.Close(fd) }, true, nil
}

var _ Locker = FlockLocker{}
