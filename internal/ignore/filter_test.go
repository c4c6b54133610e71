package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNegationReincludesFile(t *testing.T) {
	f := Compile([]string{"*.log", "!important.log"})
	got := f.Exclusions([]Entry{
		{Path: "a.log"},
		{Path: "important.log"},
		{Path: "b.txt"},
	})
	if diff := cmp.Diff([]string{"/a.log"}, got); diff != "" {
		t.Fatalf("exclusions mismatch (-want +got):\n%s", diff)
	}
}

func TestLaterRuleOverridesEarlier(t *testing.T) {
	f := Compile([]string{"!keep.log", "*.log"})
	if !f.Excluded("keep.log", false) {
		t.Fatal("expected later *.log rule to win over earlier negation")
	}
}

func TestDirectoryRulesApplyRecursively(t *testing.T) {
	f := Compile([]string{"build/", "# comment", "", "tmp"})
	got := f.Exclusions([]Entry{
		{Path: "build", Dir: true},
		{Path: "build/out.bin"},
		{Path: "src", Dir: true},
		{Path: "src/tmp", Dir: true},
		{Path: "src/tmp/x"},
		{Path: "src/main.go"},
	})
	want := []string{"/build/", "/src/tmp/"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("exclusions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"build/", "tmp"}, f.Rules()); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	root := t.TempDir()
	f, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultRules, f.Rules()); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
	if !f.Excluded(".cache", true) || !f.Excluded(".local/share/x", false) {
		t.Fatal("expected default rules to exclude .cache and .local")
	}
}

func TestLoadReadsIgnoreFileAndExcludesIt(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("*.tmp\n"), 0o644); err != nil {
		t.Fatalf("write ignore file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.tmp"), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	f, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entries, err := WalkLocal(root)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []string{"/" + FileName, "/a.tmp"}
	if diff := cmp.Diff(want, f.Exclusions(entries)); diff != "" {
		t.Fatalf("exclusions mismatch (-want +got):\n%s", diff)
	}
	if f.Excluded(".cache", true) {
		t.Fatal("defaults must not apply when an ignore file exists")
	}
}

func TestFromContent(t *testing.T) {
	if diff := cmp.Diff(DefaultRules, FromContent("", false).Rules()); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
	f := FromContent("data/\n!data/keep\n", true)
	if len(f.Rules()) != 2 {
		t.Fatalf("unexpected rules: %v", f.Rules())
	}
}

func TestIncludedBytesSkipsExcluded(t *testing.T) {
	f := Compile([]string{"data/", "*.log", "!keep.log"})
	entries := []Entry{
		{Path: "data", Dir: true},
		{Path: "data/big.bin", Size: 1000},
		{Path: "a.log", Size: 10},
		{Path: "keep.log", Size: 20},
		{Path: "main.py", Size: 5},
	}
	if got := f.IncludedBytes(entries); got != 25 {
		t.Fatalf("expected 25 included bytes, got %d", got)
	}
}
