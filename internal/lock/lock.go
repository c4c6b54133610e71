package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrLockHeld = errors.New("lock: held by another run")

// HeldError reports that another live run owns the lock.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock: %s is held by another run", e.Path)
	}
	return fmt.Sprintf("lock: %s is held by another run (%s)", e.Path, e.Holder)
}

func (e *HeldError) Unwrap() error {
	return ErrLockHeld
}

// Lock is an acquired run lock.
type Lock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Acquire takes the lock at path without blocking.
func Acquire(path string, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	f, err := acquireFile(path)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, &HeldError{Path: path, Holder: readHolder(path)}
		}
		return nil, err
	}

	stamp := fmt.Sprintf("pid=%d owner=%s since=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(stamp), 0)
		_ = f.Sync()
	}
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := releaseFile(l.path, l.file)
	l.file = nil
	return err
}

// staleHolder reports whether a holder stamp names a process that is no
// longer running. A stamp without a pid is never stale.
func staleHolder(holder string, alive func(pid int) bool) bool {
	for _, field := range strings.Fields(holder) {
		raw, ok := strings.CutPrefix(field, "pid=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(raw)
		if err != nil || pid <= 0 {
			return false
		}
		return pid != os.Getpid() && !alive(pid)
	}
	return false
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
