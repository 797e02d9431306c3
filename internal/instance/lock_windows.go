//go:build windows

package instance

import (
	"golang.org/x/sys/windows"
)

// Lock is a held single-instance lock backed by a named global mutex.
type Lock struct {
	handle windows.Handle
}

// Acquire creates the named mutex; if it already exists another instance is
// running.
func Acquire(dataDir string) (*Lock, error) {
	name, err := windows.UTF16PtrFromString(`Global\PCLinkServerInstance`)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, true, name)
	if err != nil {
		if h != 0 {
			_ = windows.CloseHandle(h)
		}
		if err == windows.ERROR_ALREADY_EXISTS {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	return &Lock{handle: h}, nil
}

// Release drops the mutex.
func (l *Lock) Release() {
	if l == nil || l.handle == 0 {
		return
	}
	_ = windows.ReleaseMutex(l.handle)
	_ = windows.CloseHandle(l.handle)
	l.handle = 0
}
