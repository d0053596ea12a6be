//go:build unix

package snapshot

import (
	"os"

	"golang.org/x/sys/unix"
)

func setFileLock(f *os.File, lock bool) error {
	var how = unix.LOCK_UN
	if lock {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err == unix.EWOULDBLOCK {
		return ErrDirLocked
	} else {
		return err
	}
}
