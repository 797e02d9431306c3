//go:build windows

package fsatomic

import (
	"os"
	"sync"
	"time"
)

// lockFile approximates advisory locking on Windows with create-exclusive of
// the lock file, removed on release. The blocking variant polls long enough
// to ride out another writer's snapshot, then reports the lock as held.
func lockFile(path string, wait bool) (func(), error) {
	const (
		pollEvery   = 50 * time.Millisecond
		giveUpAfter = 10 * time.Second
	)
	start := time.Now()
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			var once sync.Once
			return func() {
				once.Do(func() {
					_ = f.Close()
					_ = os.Remove(path)
				})
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !wait || time.Since(start) > giveUpAfter {
			return nil, ErrLockHeld
		}
		time.Sleep(pollEvery)
	}
}
