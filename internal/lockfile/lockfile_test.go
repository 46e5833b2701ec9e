//go:build linux

package lockfile

import (
	"path/filepath"
	"testing"
)

func TestAcquireAndUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestAcquireTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")
	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Unlock()

	if _, err := Acquire(path); err == nil {
		t.Fatalf("expected second Acquire to fail while the first lock is held")
	}
}
