//go:build !windows

package transport

import (
	"os"

	apperrors "trade_runtime/pkg/errors"

	"golang.org/x/sys/unix"
)

// lockFile takes a POSIX advisory lock on f without blocking. Contention
// returns ErrLockContention so callers can count and skip.
func lockFile(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return apperrors.ErrLockContention
		}
		return err
	}
	return nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
