// Package instance enforces a single server process using an OS-level
// primitive, not port-bind failure: the second process must stop before it
// reaches any other side effect. On POSIX the lock is a file lock inside the
// data directory, so it is per data directory; on Windows it is one named
// global mutex, so it is host-wide whatever the data directory.
package instance

import "errors"

// ErrAlreadyRunning reports that another server process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")
