package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T, path string, direction artifact.Direction) *Store {
	t.Helper()
	store, err := Open(path, "demo", direction)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiscoverInsertsPendingOnce(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionExport)

	model := artifact.NewKey(artifact.KindModel, "7")
	job := artifact.NewKey(artifact.KindJob, "9")
	if err := store.Discover(ctx,
		Discovery{Key: model, Name: "scorer"},
		Discovery{Key: job, Name: "nightly", DependsOn: []artifact.Key{model}},
	); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := store.Start(ctx, model); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.Discover(ctx, Discovery{Key: model, Name: "scorer"}); err != nil {
		t.Fatalf("rediscover: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Key != model || records[0].Status != artifact.StatusInProgress {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if diff := cmp.Diff([]artifact.Key{model}, records[1].DependsOn); diff != "" {
		t.Fatalf("depends_on mismatch (-want +got):\n%s", diff)
	}
}

func TestTransitionsPersistAcrossReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	key := artifact.NewKey(artifact.KindApplication, "app-1")

	store, err := Open(path, "demo", artifact.DirectionImport)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Discover(ctx, Discovery{Key: key, Name: "dash"}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := store.Start(ctx, key); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Complete(ctx, key, "target-77"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path, artifact.DirectionImport)
	rec, ok, err := reopened.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Status != artifact.StatusCompleted || rec.TargetID != "target-77" || rec.Attempts != 1 {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	if _, err := reopened.Start(ctx, key); !errors.Is(err, artifact.ErrInvalidTransition) {
		t.Fatalf("expected completed record to reject start, got %v", err)
	}
}

func TestDirectionsAreIsolated(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	exp := openTestStore(t, path, artifact.DirectionExport)
	imp := openTestStore(t, path, artifact.DirectionImport)

	key := artifact.NewKey(artifact.KindJob, "1")
	if err := exp.Discover(ctx, Discovery{Key: key}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, ok, err := imp.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected import scope to be empty: ok=%v err=%v", ok, err)
	}
}

func TestFailCapturesCauseAndRetryClearsIt(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionExport)
	key := artifact.NewKey(artifact.KindModel, "m")
	if err := store.Discover(ctx, Discovery{Key: key}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := store.Start(ctx, key); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := store.Fail(ctx, key, errors.New("remote said 503"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if rec.LastError != "remote said 503" {
		t.Fatalf("unexpected last error: %q", rec.LastError)
	}
	rec, err = store.Start(ctx, key)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec.Attempts != 2 || rec.LastError != "" {
		t.Fatalf("unexpected record after retry: %+v", rec)
	}
}

func TestRecoverInterruptedMarksInProgressFailed(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionExport)
	a := artifact.NewKey(artifact.KindJob, "a")
	b := artifact.NewKey(artifact.KindJob, "b")
	if err := store.Discover(ctx, Discovery{Key: a}, Discovery{Key: b}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := store.Start(ctx, a); err != nil {
		t.Fatalf("start: %v", err)
	}

	n, err := store.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered record, got %d", n)
	}
	rec, _, _ := store.Get(ctx, a)
	if rec.Status != artifact.StatusFailed || rec.LastError != InterruptedCause {
		t.Fatalf("unexpected recovered record: %+v", rec)
	}
	rec, _, _ = store.Get(ctx, b)
	if rec.Status != artifact.StatusPending {
		t.Fatalf("pending record should be untouched: %+v", rec)
	}
}

func TestUnknownRecordAndClosedStore(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionExport)
	if _, err := store.Start(ctx, artifact.NewKey(artifact.KindJob, "ghost")); !errors.Is(err, ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
	_ = store.Close()
	if _, err := store.List(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestRunLedger(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionImport)
	if err := store.BeginRun(ctx, "run-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FinishRun(ctx, "run-1", "partial"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != "partial" || runs[0].FinishedAt.IsZero() {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestOpenRejectsEmptyProject(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), " ", artifact.DirectionExport); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestRetireDropsUnfinishedRecordsMissingFromDiscovery(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"), artifact.DirectionImport)
	kept := artifact.NewKey(artifact.KindModel, "kept")
	gone := artifact.NewKey(artifact.KindModel, "gone")
	done := artifact.NewKey(artifact.KindJob, "done")
	if err := store.Discover(ctx, Discovery{Key: kept}, Discovery{Key: gone}, Discovery{Key: done}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := store.Start(ctx, gone); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Fail(ctx, gone, errors.New("create failed")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.Start(ctx, done); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Complete(ctx, done, "t-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	retired, err := store.Retire(ctx, []artifact.Key{kept})
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if diff := cmp.Diff([]artifact.Key{gone}, retired); diff != "" {
		t.Fatalf("retired mismatch (-want +got):\n%s", diff)
	}
	if _, ok, err := store.Get(ctx, gone); err != nil || ok {
		t.Fatalf("expected %s removed: ok=%v err=%v", gone, ok, err)
	}
	rec, ok, err := store.Get(ctx, done)
	if err != nil || !ok || rec.Status != artifact.StatusCompleted {
		t.Fatalf("completed record should survive: %+v ok=%v err=%v", rec, ok, err)
	}
	if _, ok, _ := store.Get(ctx, kept); !ok {
		t.Fatalf("expected %s kept", kept)
	}
}
