package snapshot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrDirLocked is returned by LockDir if another process holds the lock.
var ErrDirLocked = errors.New("snapshot directory is locked by another process")

// DirLock is an exclusive, advisory lock held over a lock file within a
// snapshot directory. At most one process may produce snapshots of a given
// database into a directory at a time.
type DirLock struct {
	file *os.File
}

// LockDir creates (if required) and locks the file "<dir>/<name>.lock".
func LockDir(dir, name string) (*DirLock, error) {
	var path = filepath.Join(dir, name+".lock")

	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "opening lock file")
	}
	if err = setFileLock(f, true); err != nil {
		_ = f.Close()
		return nil, errors.WithMessage(err, path)
	}
	return &DirLock{file: f}, nil
}

// Path of the lock file.
func (l *DirLock) Path() string { return l.file.Name() }

// Unlock releases the lock and closes its file.
func (l *DirLock) Unlock() error {
	if err := setFileLock(l.file, false); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
