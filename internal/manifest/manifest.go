package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrIncomplete   = errors.New("manifest: incomplete, project descriptor missing")
	ErrInvalidEntry = errors.New("manifest: invalid entry")
)

// Runtime attribute keys stored on runtime entries.
const (
	AttrKernel       = "kernel"
	AttrEdition      = "edition"
	AttrEditor       = "editor"
	AttrShortVersion = "short_version"
	AttrFullVersion  = "full_version"
)

// Entry is one artifact file. Every field a user may change before import is a
// plain key. runtime_override wins over any resolved runtime; a workload's
// runtime_identifier edited away from its runtime entry's value is honoured
// the same way.
type Entry struct {
	Kind              string            `toml:"kind"`
	SourceID          string            `toml:"source_id"`
	Name              string            `toml:"name"`
	Engine            string            `toml:"engine,omitempty"`
	RuntimeKey        string            `toml:"runtime_key,omitempty"`
	RuntimeIdentifier string            `toml:"runtime_identifier,omitempty"`
	RuntimeOverride   string            `toml:"runtime_override,omitempty"`
	DependsOn         []string          `toml:"depends_on,omitempty"`
	Attributes        map[string]string `toml:"attributes,omitempty"`
}

// Project is the project-level descriptor. Its presence marks the manifest as
// structurally complete.
type Project struct {
	Name         string            `toml:"name"`
	Owner        string            `toml:"owner"`
	Visibility   string            `toml:"visibility,omitempty"`
	Description  string            `toml:"description,omitempty"`
	Team         string            `toml:"team,omitempty"`
	Template     string            `toml:"template,omitempty"`
	LegacyEngine string            `toml:"legacy_engine,omitempty"`
	ExportedAt   time.Time         `toml:"exported_at"`
	Artifacts    []string          `toml:"artifacts"`
	Environment  map[string]string `toml:"environment,omitempty"`
}

// Snapshot is a fully read manifest.
type Snapshot struct {
	Project   Project
	Runtimes  []Entry
	Workloads []Entry
}

// Key returns the record key of the entry.
func (e Entry) Key() (artifact.Key, error) {
	kind, err := artifact.ParseKind(e.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if strings.TrimSpace(e.SourceID) == "" {
		return "", fmt.Errorf("%w: missing source_id", ErrInvalidEntry)
	}
	return artifact.NewKey(kind, e.SourceID), nil
}

// Dependencies parses depends_on.
func (e Entry) Dependencies() ([]artifact.Key, error) {
	if len(e.DependsOn) == 0 {
		return nil, nil
	}
	out := make([]artifact.Key, 0, len(e.DependsOn))
	for _, raw := range e.DependsOn {
		k, err := artifact.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: depends_on: %v", ErrInvalidEntry, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// Runtime returns the runtime attributes of a runtime entry.
func (e Entry) Runtime() artifact.RuntimeRef {
	return artifact.RuntimeRef{
		Identifier:   e.RuntimeIdentifier,
		Kernel:       e.Attributes[AttrKernel],
		Edition:      e.Attributes[AttrEdition],
		Editor:       e.Attributes[AttrEditor],
		ShortVersion: e.Attributes[AttrShortVersion],
		FullVersion:  e.Attributes[AttrFullVersion],
	}
}

// Metadata converts a workload entry into the remote-side description.
func (e Entry) Metadata() (artifact.Metadata, error) {
	key, err := e.Key()
	if err != nil {
		return artifact.Metadata{}, err
	}
	return artifact.Metadata{
		ID:         key.SourceID(),
		Kind:       key.Kind(),
		Name:       e.Name,
		Engine:     e.Engine,
		Attributes: artifact.CloneAttributes(e.Attributes),
	}, nil
}

// RuntimeAttributes encodes a runtime reference for a runtime entry.
func RuntimeAttributes(ref artifact.RuntimeRef) map[string]string {
	out := map[string]string{}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	set(AttrKernel, ref.Kernel)
	set(AttrEdition, ref.Edition)
	set(AttrEditor, ref.Editor)
	set(AttrShortVersion, ref.ShortVersion)
	set(AttrFullVersion, ref.FullVersion)
	return out
}

// WriteEntry stores one entry under its kind directory.
func WriteEntry(layout Layout, entry Entry) error {
	key, err := entry.Key()
	if err != nil {
		return err
	}
	return writeToml(layout.EntryPath(key.Kind(), key.SourceID()), entry)
}

// ReadEntry reads one entry file.
func ReadEntry(path string) (Entry, error) {
	var entry Entry
	if err := loadToml(path, &entry); err != nil {
		return Entry{}, err
	}
	if _, err := entry.Key(); err != nil {
		return Entry{}, fmt.Errorf("%s: %w", path, err)
	}
	return entry, nil
}

// WriteProject stores the project descriptor.
func WriteProject(layout Layout, project Project) error {
	if strings.TrimSpace(project.Name) == "" {
		return fmt.Errorf("%w: project descriptor missing name", ErrInvalidEntry)
	}
	return writeToml(layout.ProjectFile(), project)
}

// ReadProject reads the project descriptor; a missing file is ErrIncomplete.
func ReadProject(layout Layout) (Project, error) {
	var project Project
	if err := loadToml(layout.ProjectFile(), &project); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Project{}, ErrIncomplete
		}
		return Project{}, err
	}
	if strings.TrimSpace(project.Name) == "" {
		return Project{}, fmt.Errorf("%w: project descriptor missing name", ErrInvalidEntry)
	}
	return project, nil
}

// RemoveProject drops the descriptor so a rerun export is observed as incomplete
// until it finishes again.
func RemoveProject(layout Layout) error {
	err := os.Remove(layout.ProjectFile())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("manifest: remove descriptor: %w", err)
	}
	return nil
}

// Load reads the complete manifest. Entries are ordered by the descriptor's
// artifact list; entries on disk that the list omits follow in key order.
func Load(layout Layout) (Snapshot, error) {
	project, err := ReadProject(layout)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Project: project}

	rank := make(map[artifact.Key]int, len(project.Artifacts))
	for i, raw := range project.Artifacts {
		if k, err := artifact.ParseKey(raw); err == nil {
			rank[k] = i
		}
	}

	kinds := append([]artifact.Kind{artifact.KindRuntime}, artifact.WorkloadKinds...)
	for _, kind := range kinds {
		entries, err := readKind(layout, kind)
		if err != nil {
			return Snapshot{}, err
		}
		sortEntries(entries, rank)
		if kind == artifact.KindRuntime {
			snap.Runtimes = append(snap.Runtimes, entries...)
		} else {
			snap.Workloads = append(snap.Workloads, entries...)
		}
	}
	return snap, nil
}

func readKind(layout Layout, kind artifact.Kind) ([]Entry, error) {
	dir := layout.KindDir(kind)
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("manifest: list %s: %w", dir, err)
	}
	out := make([]Entry, 0, len(matches))
	for _, path := range matches {
		entry, err := ReadEntry(path)
		if err != nil {
			return nil, err
		}
		if entry.Kind != string(kind) {
			return nil, fmt.Errorf("%w: %s declares kind %q", ErrInvalidEntry, path, entry.Kind)
		}
		out = append(out, entry)
	}
	return out, nil
}

func sortEntries(entries []Entry, rank map[artifact.Key]int) {
	pos := func(e Entry) (int, artifact.Key) {
		k, _ := e.Key()
		if r, ok := rank[k]; ok {
			return r, k
		}
		return len(rank), k
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, ki := pos(entries[i])
		rj, kj := pos(entries[j])
		if ri != rj {
			return ri < rj
		}
		return ki < kj
	})
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("manifest parse failed (%s:%d:%d): %w", path, row, col, err)
		}
		return fmt.Errorf("manifest parse failed (%s): %w", path, err)
	}
	return nil
}

func writeToml(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("manifest encode failed (%s): %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest mkdir failed (%s): %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("manifest write failed (%s): %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("manifest write failed (%s): %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("manifest sync failed (%s): %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("manifest write failed (%s): %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("manifest rename failed (%s): %w", path, err)
	}
	return nil
}
