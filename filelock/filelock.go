package filelock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock hands out locks over a single well-known lock file so that
// concurrent processes serialize their access to shared on-disk state.
type FileLock struct {
	lockPath string
}

func NewFileLock(lockPath string) *FileLock {
	return &FileLock{
		lockPath: lockPath,
	}
}

func (f *FileLock) NewLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(f.lockPath), os.ModePerm); err != nil {
		return nil, err
	}
	return flock.New(f.lockPath), nil
}

func (f *FileLock) Cleanup() error {
	return os.Remove(f.lockPath)
}
