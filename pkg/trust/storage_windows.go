//go:build windows

package trust

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// acquireFileLock takes an exclusive LockFileEx lock on the first byte of
// the lock file, blocking until it is available.
func (s *storage) acquireFileLock() (*os.File, error) {
	if err := ensureDir(s.lockPath); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var ol windows.Overlapped
	if err := windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol); err != nil {
		f.Close()
		return nil, fmt.Errorf("LockFileEx: %w", err)
	}
	return f, nil
}

func (s *storage) releaseFileLock(f *os.File) {
	if f == nil {
		return
	}
	var ol windows.Overlapped
	_ = windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, &ol)
	f.Close()
}
