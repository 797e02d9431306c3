//go:build !windows

package instance

import (
	"errors"
	"path/filepath"

	"github.com/BYTEDz/PCLink/internal/fsatomic"
)

// Lock is a held single-instance lock.
type Lock struct {
	release func()
}

// Acquire claims pclink.lock in dataDir without waiting. ErrAlreadyRunning
// means another live process holds it.
func Acquire(dataDir string) (*Lock, error) {
	release, err := fsatomic.TryLock(filepath.Join(dataDir, "pclink"))
	if err != nil {
		if errors.Is(err, fsatomic.ErrLockHeld) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	return &Lock{release: release}, nil
}

// Release drops the lock.
func (l *Lock) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.release()
	l.release = nil
}
