package migration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/remote"
)

var (
	ErrInterrupted = errors.New("migration: interrupted")
	ErrFatal       = errors.New("migration: run aborted")
)

// TransientRemoteError is a network or API failure; rerunning may succeed.
type TransientRemoteError struct {
	Op  string
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("transient remote error: %s: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error {
	return e.Err
}

// ConflictError is a target artifact with the same identity that no prior
// run created. It is surfaced, never resolved automatically.
type ConflictError struct {
	Kind     artifact.Kind
	Name     string
	TargetID string
}

const conflictPrefix = "conflict:"

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s %s %q already exists on target (id=%s); delete it or set adopt_existing",
		conflictPrefix, e.Kind, e.Name, e.TargetID,
	)
}

// PrerequisiteIncompleteError marks an artifact skipped because a record it
// depends on did not complete.
type PrerequisiteIncompleteError struct {
	Key     artifact.Key
	Missing []artifact.Key
}

func (e *PrerequisiteIncompleteError) Error() string {
	missing := make([]string, 0, len(e.Missing))
	for _, k := range e.Missing {
		missing = append(missing, string(k))
	}
	return fmt.Sprintf("prerequisite incomplete: %s waits on %s", e.Key, strings.Join(missing, ", "))
}

// classify wraps transient remote failures so the summary can tell them apart.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tre *TransientRemoteError
	if errors.As(err, &tre) {
		return err
	}
	if remote.IsTransient(err) {
		return &TransientRemoteError{Op: op, Err: err}
	}
	return err
}

func fatal(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFatal, step, err)
}
