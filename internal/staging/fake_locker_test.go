package staging_test

import (
	"sync"

	"github.com/antony-hash512/zero-kelvin/internal/staging"
)

// fakeLocker is an in-memory Locker so staging tests can run without a
// real file descriptor to flock.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]bool)} }

func (f *fakeLocker) Lock(path string) (func() error, error) {
	f.mu.Lock()
	f.held[path] = true
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		delete(f.held, path)
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *fakeLocker) TryLock(path string) (func() error, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[path] {
		return nil, false, nil
	}
	f.held[path] = true
	return func() error {
		f.mu.Lock()
		delete(f.held, path)
		f.mu.Unlock()
		return nil
	}, true, nil
}

var _ staging.Locker = (*fakeLocker)(nil)
