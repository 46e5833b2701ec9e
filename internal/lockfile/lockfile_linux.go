//go:build linux

// Package lockfile provides a single-instance guard via flock(2) so two
// gateway processes never write to the same data/temp directories at once.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
)

// Lock holds an exclusive, non-blocking flock on a file; it is released
// by closing the process or calling Unlock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) path and takes an exclusive,
// non-blocking lock. It returns gwerr.ErrLockHeld if another process
// already holds the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, gwerr.ErrLockHeld
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
