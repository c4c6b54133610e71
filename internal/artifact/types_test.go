package artifact

import (
	"errors"
	"testing"
)

func TestParseKeyRoundTrip(t *testing.T) {
	key, err := ParseKey(" job/42 ")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if key.Kind() != KindJob {
		t.Fatalf("unexpected kind: %q", key.Kind())
	}
	if key.SourceID() != "42" {
		t.Fatalf("unexpected source id: %q", key.SourceID())
	}
	if key != NewKey(KindJob, "42") {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "job", "job/", "widget/1"} {
		if _, err := ParseKey(raw); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", raw, err)
		}
	}
}

func TestKindTiers(t *testing.T) {
	cases := map[Kind]Tier{
		KindProjectFiles: TierFiles,
		KindRuntime:      TierRuntime,
		KindModel:        TierWorkload,
		KindJob:          TierWorkload,
		KindApplication:  TierWorkload,
	}
	for kind, want := range cases {
		if got := kind.Tier(); got != want {
			t.Fatalf("kind=%s expected tier %s, got %s", kind, want, got)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusFailed},
		{StatusFailed, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s allowed", tr[0], tr[1])
		}
	}
	denied := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusInProgress},
		{StatusCompleted, StatusFailed},
		{StatusInProgress, StatusPending},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s denied", tr[0], tr[1])
		}
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("Import"); err != nil || d != DirectionImport {
		t.Fatalf("unexpected direction: %q err=%v", d, err)
	}
	if _, err := ParseDirection("sideways"); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
}
