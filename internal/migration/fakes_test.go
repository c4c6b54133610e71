package migration

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/ignore"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/remote"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/syncer"
)

// events is an ordered call log shared by fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, ev)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// index returns the position of the first event with prefix, or -1.
func (e *events) index(prefix string) int {
	for i, ev := range e.all() {
		if strings.HasPrefix(ev, prefix) {
			return i
		}
	}
	return -1
}

type fakeClient struct {
	mu        sync.Mutex
	events    *events
	projects  map[string]remote.Project
	artifacts map[artifact.Kind][]artifact.Metadata
	runtimes  []artifact.RuntimeRef
	mapping   runtimes.Mapping
	teams     map[string]bool
	getErr    map[string]error
	createErr map[string]error
	creates   map[string]int
	onCreate  func(name string)
	nextID    int
}

func newFakeClient(ev *events) *fakeClient {
	return &fakeClient{
		events:    ev,
		projects:  map[string]remote.Project{},
		artifacts: map[artifact.Kind][]artifact.Metadata{},
		mapping:   runtimes.DefaultMapping(),
		teams:     map[string]bool{},
		getErr:    map[string]error{},
		createErr: map[string]error{},
		creates:   map[string]int{},
	}
}

func (f *fakeClient) add(md artifact.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[md.Kind] = append(f.artifacts[md.Kind], md)
}

func (f *fakeClient) createCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[name]
}

func (f *fakeClient) totalCreates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.creates {
		n += c
	}
	return n
}

func (f *fakeClient) ListArtifacts(_ context.Context, _ string, kind artifact.Kind) ([]artifact.Metadata, error) {
	f.events.add("list:" + string(kind))
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]artifact.Metadata, 0, len(f.artifacts[kind]))
	for _, md := range f.artifacts[kind] {
		out = append(out, md.Clone())
	}
	return out, nil
}

func (f *fakeClient) GetArtifact(_ context.Context, _ string, kind artifact.Kind, id string) (artifact.Metadata, error) {
	f.events.add("get:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return artifact.Metadata{}, err
	}
	for _, md := range f.artifacts[kind] {
		if md.ID == id {
			return md.Clone(), nil
		}
	}
	return artifact.Metadata{}, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, kind, id)
}

func (f *fakeClient) CreateArtifact(_ context.Context, _ string, kind artifact.Kind, md artifact.Metadata) (string, error) {
	f.events.add("create:" + md.Name)
	f.mu.Lock()
	f.creates[md.Name]++
	if err := f.createErr[md.Name]; err != nil {
		f.mu.Unlock()
		return "", err
	}
	f.nextID++
	md.ID = fmt.Sprintf("t-%d", f.nextID)
	md.Kind = kind
	f.artifacts[kind] = append(f.artifacts[kind], md.Clone())
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(md.Name)
	}
	return md.ID, nil
}

func (f *fakeClient) created(kind artifact.Kind, name string) (artifact.Metadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, md := range f.artifacts[kind] {
		if md.Name == name {
			return md.Clone(), true
		}
	}
	return artifact.Metadata{}, false
}

func (f *fakeClient) ResolveRuntimeForLegacyEngine(_ context.Context, engine string) (string, error) {
	f.events.add("resolve:" + engine)
	return f.mapping.Resolve(engine, "")
}

func (f *fakeClient) FindProject(_ context.Context, _ string, name string) (remote.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[name]; ok {
		return p, nil
	}
	return remote.Project{}, fmt.Errorf("%w: project %s", remote.ErrNotFound, name)
}

func (f *fakeClient) CreateProject(_ context.Context, p remote.Project) (remote.Project, error) {
	f.events.add("create_project:" + p.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = "p-" + p.Name
	f.projects[p.Name] = p
	return p, nil
}

func (f *fakeClient) ListRuntimes(context.Context) ([]artifact.RuntimeRef, error) {
	f.events.add("list_runtimes")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]artifact.RuntimeRef(nil), f.runtimes...), nil
}

func (f *fakeClient) UserExists(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeClient) TeamExists(_ context.Context, team string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teams[team], nil
}

type syncCall struct {
	src     string
	dst     string
	exclude []string
}

type fakeDelegate struct {
	mu     sync.Mutex
	events *events
	calls  []syncCall
	err    error
	bytes  int64
}

func (d *fakeDelegate) Sync(ctx context.Context, src, dst string, exclude []string) (syncer.Result, error) {
	d.events.add("sync")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, syncCall{src: src, dst: dst, exclude: append([]string(nil), exclude...)})
	if d.err != nil {
		return syncer.Result{}, d.err
	}
	return syncer.Result{BytesTransferred: d.bytes}, nil
}

func (d *fakeDelegate) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeTree struct {
	entries []ignore.Entry
	files   map[string]string
}

func (t fakeTree) List(context.Context, string) ([]ignore.Entry, error) {
	return append([]ignore.Entry(nil), t.entries...), nil
}

func (t fakeTree) ReadFile(_ context.Context, path string) (string, bool, error) {
	content, ok := t.files[path]
	return content, ok, nil
}

func testProject(t *testing.T) config.Project {
	t.Helper()
	cfg := config.DefaultProject("demo")
	cfg.Username = "alice"
	cfg.URL = "https://workspace.example.com"
	cfg.APIKey = "key"
	cfg.OutputDir = t.TempDir()
	cfg.Parallelism = 1
	cfg.CheckDiskSpace = false
	return cfg
}

func statuses(records []artifact.Record) map[artifact.Key]artifact.Status {
	out := map[artifact.Key]artifact.Status{}
	for _, rec := range records {
		out[rec.Key] = rec.Status
	}
	return out
}

func recordFor(t *testing.T, records []artifact.Record, key artifact.Key) artifact.Record {
	t.Helper()
	for _, rec := range records {
		if rec.Key == key {
			return rec
		}
	}
	t.Fatalf("record %s not found", key)
	return artifact.Record{}
}

// stage writes a complete manifest and staged data dir for import tests.
func stage(t *testing.T, cfg config.Project, project manifest.Project, entries ...manifest.Entry) manifest.Layout {
	t.Helper()
	layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)
	if err := os.MkdirAll(layout.DataDir(), 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := manifest.WriteEntry(layout, entry); err != nil {
			t.Fatalf("write entry: %v", err)
		}
		keys = append(keys, string(artifact.NewKey(artifact.Kind(entry.Kind), entry.SourceID)))
	}
	sort.Strings(keys)
	if project.Name == "" {
		project.Name = cfg.Name
	}
	project.Artifacts = keys
	if err := manifest.WriteProject(layout, project); err != nil {
		t.Fatalf("write project: %v", err)
	}
	return layout
}
