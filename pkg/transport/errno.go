package transport

import (
	"errors"
	"syscall"
)

// Errno extracts the OS-level error number carried by a network error,
// or 0 when there is none.
func Errno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

// IsWouldBlock reports whether err is the non-blocking retry indication.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
