package fsbus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrLocked is returned by TryAcquireLock when another process holds the lock.
var ErrLocked = errors.New("fsbus: lock held by another process")

// Lock is an advisory flock on a sidecar ".lock" file. Writers to the backlog
// and the history log serialize through it; readers never take it because the
// atomic-rename discipline keeps reads consistent on their own.
type Lock struct {
	f *os.File
}

// AcquireLock blocks until the advisory lock guarding path is held.
func AcquireLock(path string) (*Lock, error) {
	return acquire(path, 0)
}

// TryAcquireLock acquires the lock without blocking; ErrLocked if held.
func TryAcquireLock(path string) (*Lock, error) {
	return acquire(path, syscall.LOCK_NB)
}

func acquire(path string, flags int) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|flags); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call once; the Lock is unusable afterwards.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return closeErr
}
