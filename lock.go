// OS-level file locking for cross-process coordination.
//
// fileLock wraps flock(2) on Unix (the Windows build has only a stub that
// returns an error) with a mutex that guards the file
// handle's lifetime, so that a concurrent Close cannot invalidate the fd
// mid-syscall. Adapted from the teacher's lock.go, generalized from
// syscall.Flock to the portable golang.org/x/sys/unix wrapper.
package pmoltp

import (
	"os"
	"sync"
)

// lockMode selects shared (read) or exclusive (write) locking. Only one
// process may hold an exclusive PM file lock at a time; this guards
// against two processes mmapping the same backing file concurrently,
// which would corrupt the page bitmap and catalog.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// fileLock coordinates OS-level file locks with safe handle teardown.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func (l *fileLock) Lock(mode lockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lock(mode)
}

func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight flock and disables further locking until restored.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
