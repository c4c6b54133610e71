package migration

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/lock"
	"github.com/danmuck/migratectl/internal/remote"
)

func TestSummaryRenderListsFailuresWithCause(t *testing.T) {
	s := Summary{
		RunID:     "run-1",
		Project:   "demo",
		Direction: artifact.DirectionImport,
		Outcome:   OutcomePartial,
		Records: []artifact.Record{
			{Key: "job/1", Kind: artifact.KindJob, Name: "nightly", Status: artifact.StatusCompleted, TargetID: "t-1"},
			{Key: "job/2", Kind: artifact.KindJob, Name: "report", Status: artifact.StatusFailed, LastError: "boom"},
		},
		BytesTransferred: 2048,
	}
	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"import demo", "partial", "1 completed, 1 failed", "2.0 kB", "nightly", "t-1", "job/2: boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name    string
		summary Summary
		err     error
		want    int
	}{
		{"complete", Summary{Outcome: OutcomeComplete}, nil, ExitComplete},
		{"partial", Summary{Outcome: OutcomePartial}, nil, ExitPartial},
		{"interrupted", Summary{Outcome: OutcomeInterrupted}, ErrInterrupted, ExitInterrupted},
		{"lock held", Summary{}, &lock.HeldError{Path: "x"}, ExitLockHeld},
		{"configuration", Summary{}, &config.ConfigurationError{Reason: "missing"}, ExitFatal},
		{"fatal", Summary{}, fatal("file sync", errors.New("rsync died")), ExitFatal},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.summary, tc.err); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestClassifyWrapsTransientRemoteErrors(t *testing.T) {
	transient := classify("create job/1", &remote.StatusError{Code: 502})
	var tre *TransientRemoteError
	if !errors.As(transient, &tre) || tre.Op != "create job/1" {
		t.Fatalf("expected transient wrapper, got %v", transient)
	}
	permanent := classify("create job/1", &remote.StatusError{Code: 400})
	if errors.As(permanent, &tre) {
		t.Fatalf("expected client error left unwrapped, got %v", permanent)
	}
	if classify("x", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	wrapped := classify("x", fmt.Errorf("outer: %w", transient))
	if !errors.As(wrapped, &tre) || tre.Op != "create job/1" {
		t.Fatalf("expected existing wrapper kept, got %v", wrapped)
	}
}

func TestPrerequisiteIncompleteMessage(t *testing.T) {
	err := &PrerequisiteIncompleteError{Key: "job/2", Missing: []artifact.Key{"job/1", "runtime/rt"}}
	if got := err.Error(); got != "prerequisite incomplete: job/2 waits on job/1, runtime/rt" {
		t.Fatalf("unexpected message: %q", got)
	}
}
