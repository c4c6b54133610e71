package syncer

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/danmuck/migratectl/internal/ignore"
	"github.com/google/go-cmp/cmp"
)

type fakeRunner struct {
	calls  [][]string
	stdout string
	stderr string
	code   int32
	err    error
	onRun  func(name string, args []string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.onRun != nil {
		f.onRun(name, args)
	}
	return []byte(f.stdout), []byte(f.stderr), f.code, f.err
}

func (f *fakeRunner) RunStreaming(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int32, error) {
	out, errOut, code, err := f.Run(ctx, name, args...)
	if stdout != nil {
		_, _ = stdout.Write(out)
	}
	if stderr != nil {
		_, _ = stderr.Write(errOut)
	}
	return code, err
}

const statsOutput = `
Number of files: 12 (reg: 10, dir: 2)
Number of regular files transferred: 3
Total file size: 9,876 bytes
Total transferred file size: 1,234 bytes
`

func TestParseStats(t *testing.T) {
	got := ParseStats(statsOutput)
	want := Result{BytesTransferred: 1234, FilesTransferred: 3}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if (ParseStats("nothing here") != Result{}) {
		t.Fatal("expected zero result without stats")
	}
}

func TestRsyncWritesExclusionsAndArgs(t *testing.T) {
	dir := t.TempDir()
	excludePath := filepath.Join(dir, ".migratectl", "exclude.txt")
	runner := &fakeRunner{stdout: statsOutput}
	var seenExcludes string
	runner.onRun = func(_ string, args []string) {
		for _, a := range args {
			if strings.HasPrefix(a, "--exclude-from=") {
				data, _ := os.ReadFile(strings.TrimPrefix(a, "--exclude-from="))
				seenExcludes = string(data)
			}
		}
	}
	r := NewRsync(RsyncConfig{
		SSHPort:             "2222",
		InsecureSkipHostKey: true,
		ExcludeFile:         excludePath,
		Runner:              runner,
	})

	dst := filepath.Join(dir, "project-data") + "/"
	res, err := r.Sync(context.Background(), "cdsw@host:/home/cdsw/", dst, []string{"/a.log", "/.cache/"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.BytesTransferred != 1234 {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []string{
		"rsync", "-a", "--delete", "--partial", "-i", "--stats",
		"-e", "ssh -p 2222 -oStrictHostKeyChecking=no",
		"--exclude-from=" + excludePath,
		"cdsw@host:/home/cdsw/", dst,
	}
	if diff := cmp.Diff(want, runner.calls[0]); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if seenExcludes != "/a.log\n/.cache/\n" {
		t.Fatalf("unexpected exclude file content: %q", seenExcludes)
	}
	if _, err := os.Stat(filepath.Join(dir, "project-data")); err != nil {
		t.Fatalf("expected local destination to be created: %v", err)
	}
}

func TestRsyncFailureSurfacesStderr(t *testing.T) {
	runner := &fakeRunner{stderr: "rsync: connection unexpectedly closed\n", code: 12, err: errors.New("exit status 12")}
	r := NewRsync(RsyncConfig{Runner: runner})
	_, err := r.Sync(context.Background(), "src/", filepath.Join(t.TempDir(), "dst")+"/", nil)
	if !errors.Is(err, ErrSyncFailed) || !strings.Contains(err.Error(), "connection unexpectedly closed") {
		t.Fatalf("expected ErrSyncFailed with stderr detail, got %v", err)
	}
	for _, a := range runner.calls[0] {
		if strings.HasPrefix(a, "--exclude-from") || a == "-e" {
			t.Fatalf("unexpected argument %q", a)
		}
	}
}

func TestEndpointString(t *testing.T) {
	cases := map[Endpoint]string{
		{Path: "/tmp/out"}:                            "/tmp/out/",
		{Host: "h", Path: "/home/cdsw"}:               "h:/home/cdsw/",
		{User: "cdsw", Host: "h", Path: "/home/cdsw/"}: "cdsw@h:/home/cdsw/",
	}
	for ep, want := range cases {
		if got := ep.String(); got != want {
			t.Fatalf("endpoint %+v expected %q, got %q", ep, want, got)
		}
	}
}

func TestRemoteTreeListAndRead(t *testing.T) {
	runner := &fakeRunner{stdout: "d\t4096\tsrc\nf\t12\tsrc/main.py\nf\t3\t.exportignore\n"}
	tree := RemoteTree{Runner: runner}
	entries, err := tree.List(context.Background(), "/home/cdsw")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []ignore.Entry{
		{Path: "src", Dir: true},
		{Path: "src/main.py", Size: 12},
		{Path: ".exportignore", Size: 3},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	missing := RemoteTree{Runner: &fakeRunner{code: missingFileExit, err: errors.New("exit status 3")}}
	if _, found, err := missing.ReadFile(context.Background(), "/home/cdsw/.exportignore"); err != nil || found {
		t.Fatalf("expected missing file, found=%v err=%v", found, err)
	}
	present := RemoteTree{Runner: &fakeRunner{stdout: "*.log\n"}}
	content, found, err := present.ReadFile(context.Background(), "/home/cdsw/.exportignore")
	if err != nil || !found || content != "*.log\n" {
		t.Fatalf("unexpected read: %q found=%v err=%v", content, found, err)
	}
}

func TestParseFindOutputRejectsMalformed(t *testing.T) {
	if _, err := ParseFindOutput([]byte("f\tnotanumber\tx\n")); err == nil {
		t.Fatal("expected malformed size error")
	}
	if _, err := ParseFindOutput([]byte("garbage\n")); err == nil {
		t.Fatal("expected malformed line error")
	}
}

func TestLocalTree(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := LocalTree{}.List(context.Background(), root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]ignore.Entry{{Path: "a.txt", Size: 5}}, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if _, found, err := (LocalTree{}).ReadFile(context.Background(), filepath.Join(root, "missing")); err != nil || found {
		t.Fatalf("expected missing file, found=%v err=%v", found, err)
	}
}

func TestCheckSpace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no free-space probe")
	}
	dir := filepath.Join(t.TempDir(), "not", "yet", "created")
	if err := CheckSpace(dir, 1); err != nil {
		t.Fatalf("expected one byte to fit: %v", err)
	}
	if err := CheckSpace(dir, math.MaxInt64); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}
