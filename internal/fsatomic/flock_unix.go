//go:build !windows

package fsatomic

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive flock on path and returns the release func.
// When wait is false a lock held elsewhere returns ErrLockHeld instead of
// blocking. The descriptor stays open for the lifetime of the lock.
func lockFile(path string, wait bool) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if !wait && errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
		})
	}, nil
}
