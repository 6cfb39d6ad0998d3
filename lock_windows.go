//go:build windows

// Windows stub: both methods return an error, so opening a file fails.
// It does not call LockFileEx. pmfile.go imports golang.org/x/sys/unix,
// so the package as a whole does not build for Windows either.
package pmoltp

import "fmt"

func (l *fileLock) lock(mode lockMode) error {
	return fmt.Errorf("pmoltp: file locking is not implemented on windows")
}

func (l *fileLock) unlock() error {
	return fmt.Errorf("pmoltp: file locking is not implemented on windows")
}
