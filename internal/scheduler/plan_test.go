package scheduler

import (
	"errors"
	"testing"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/google/go-cmp/cmp"
)

func rec(key artifact.Key, seq int64, status artifact.Status, deps ...artifact.Key) artifact.Record {
	return artifact.Record{Key: key, Kind: key.Kind(), Seq: seq, Status: status, DependsOn: deps}
}

func TestBuildOrdersTiersAndSkipsCompleted(t *testing.T) {
	files := artifact.ProjectFilesKey()
	rt := artifact.NewKey(artifact.KindRuntime, "py3")
	job := artifact.NewKey(artifact.KindJob, "1")
	model := artifact.NewKey(artifact.KindModel, "m")
	done := artifact.NewKey(artifact.KindApplication, "a")

	plan, err := Build([]artifact.Record{
		rec(job, 4, artifact.StatusPending, files, rt),
		rec(done, 5, artifact.StatusCompleted, files),
		rec(model, 3, artifact.StatusFailed, files),
		rec(rt, 2, artifact.StatusPending, files),
		rec(files, 1, artifact.StatusPending),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []artifact.Key{files, rt, model, job}
	if diff := cmp.Diff(want, plan.Order()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if len(plan.Stages) != 3 || plan.Stages[2].Tier != artifact.TierWorkload {
		t.Fatalf("unexpected stages: %+v", plan.Stages)
	}
	if len(plan.Stages[2].Waves) != 1 || len(plan.Stages[2].Waves[0]) != 2 {
		t.Fatalf("independent workloads should share one wave: %+v", plan.Stages[2].Waves)
	}
}

func TestBuildLayersParentJobsFirst(t *testing.T) {
	parent := artifact.NewKey(artifact.KindJob, "p")
	child := artifact.NewKey(artifact.KindJob, "c")
	grandchild := artifact.NewKey(artifact.KindJob, "g")
	other := artifact.NewKey(artifact.KindModel, "m")

	plan, err := Build([]artifact.Record{
		rec(grandchild, 1, artifact.StatusPending, child),
		rec(child, 2, artifact.StatusPending, parent),
		rec(parent, 3, artifact.StatusPending),
		rec(other, 4, artifact.StatusPending),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	waves := plan.Stages[0].Waves
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(waves))
	}
	var first []artifact.Key
	for _, r := range waves[0] {
		first = append(first, r.Key)
	}
	if diff := cmp.Diff([]artifact.Key{parent, other}, first); diff != "" {
		t.Fatalf("first wave mismatch (-want +got):\n%s", diff)
	}
	if waves[1][0].Key != child || waves[2][0].Key != grandchild {
		t.Fatalf("unexpected wave order: %+v", waves)
	}
}

func TestBuildCompletedParentDoesNotConstrain(t *testing.T) {
	parent := artifact.NewKey(artifact.KindJob, "p")
	child := artifact.NewKey(artifact.KindJob, "c")
	plan, err := Build([]artifact.Record{
		rec(parent, 1, artifact.StatusCompleted),
		rec(child, 2, artifact.StatusPending, parent),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([]artifact.Key{child}, plan.Order()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	a := artifact.NewKey(artifact.KindJob, "a")
	b := artifact.NewKey(artifact.KindJob, "b")
	_, err := Build([]artifact.Record{
		rec(a, 1, artifact.StatusPending, b),
		rec(b, 2, artifact.StatusPending, a),
	})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestBuildRejectsBackwardReference(t *testing.T) {
	rt := artifact.NewKey(artifact.KindRuntime, "r")
	job := artifact.NewKey(artifact.KindJob, "j")
	_, err := Build([]artifact.Record{
		rec(rt, 1, artifact.StatusPending, job),
		rec(job, 2, artifact.StatusPending),
	})
	if !errors.Is(err, ErrBackwardReference) {
		t.Fatalf("expected ErrBackwardReference, got %v", err)
	}
}

func TestBuildRecordsDanglingDependencies(t *testing.T) {
	job := artifact.NewKey(artifact.KindJob, "j")
	ghost := artifact.NewKey(artifact.KindJob, "ghost")
	plan, err := Build([]artifact.Record{rec(job, 1, artifact.StatusPending, ghost)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([]artifact.Key{ghost}, plan.Dangling[job]); diff != "" {
		t.Fatalf("dangling mismatch (-want +got):\n%s", diff)
	}
	if plan.Len() != 1 {
		t.Fatalf("expected one scheduled record, got %d", plan.Len())
	}
}

func TestBlocked(t *testing.T) {
	files := artifact.ProjectFilesKey()
	rt := artifact.NewKey(artifact.KindRuntime, "r")
	ghost := artifact.NewKey(artifact.KindRuntime, "ghost")
	statuses := map[artifact.Key]artifact.Status{
		files: artifact.StatusCompleted,
		rt:    artifact.StatusFailed,
	}
	lookup := func(k artifact.Key) (artifact.Status, bool) {
		st, ok := statuses[k]
		return st, ok
	}
	job := rec(artifact.NewKey(artifact.KindJob, "j"), 3, artifact.StatusPending, files, rt, ghost)
	if diff := cmp.Diff([]artifact.Key{rt}, Blocked(job, lookup)); diff != "" {
		t.Fatalf("blocked mismatch (-want +got):\n%s", diff)
	}
}
