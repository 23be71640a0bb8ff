//go:build windows

package transport

import (
	"os"

	apperrors "trade_runtime/pkg/errors"

	"golang.org/x/sys/windows"
)

// lockFile takes an advisory byte-range lock over the whole file without
// blocking. Contention returns ErrLockContention so callers can count and
// skip.
func lockFile(f *os.File, exclusive bool) error {
	var flags uint32 = windows.LOCKFILE_FAIL_IMMEDIATELY
	if exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, ^uint32(0), ^uint32(0), ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return apperrors.ErrLockContention
		}
		return err
	}
	return nil
}

func unlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}
