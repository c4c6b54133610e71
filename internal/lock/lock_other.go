//go:build !unix

package lock

import (
	"errors"
	"fmt"
	"os"
)

// acquireFile creates the lock file exclusively. A file left by a process
// that is no longer running is removed and the create retried once.
func acquireFile(path string) (*os.File, error) {
	f, err := createExclusive(path)
	if errors.Is(err, ErrLockHeld) && staleHolder(readHolder(path), processAlive) {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("lock: remove stale %s: %w", path, rerr)
		}
		f, err = createExclusive(path)
	}
	return f, err
}

func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("lock: create %s: %w", path, err)
	}
	return f, nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func releaseFile(path string, f *os.File) error {
	f.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: remove %s: %w", path, err)
	}
	return nil
}
