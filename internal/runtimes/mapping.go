package runtimes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/migratectl/internal/artifact"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnmapped      = errors.New("runtimes: engine has no runtime mapping")
	ErrNoCandidates  = errors.New("runtimes: no matching runtime available")
	ErrInvalidFile   = errors.New("runtimes: invalid mapping file")
	ErrEmptyPopulate = errors.New("runtimes: no python runtime to use as default")
)

// DefaultEngine is the mapping key used when an engine has no entry of its own.
const DefaultEngine = "default"

const (
	defaultEditor  = "Workbench"
	defaultEdition = "Standard"
)

var builtinMapping = map[string]string{
	"python3":     "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-python3.9-standard:2022.11.2-b2",
	"python2":     "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-python3.9-standard:2022.11.2-b2",
	"r":           "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-r4.1-standard:2022.11.2-b2",
	"scala":       "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-scala2.11-standard:2022.11.2-b2",
	DefaultEngine: "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-python3.9-standard:2023.05.2-b7",
}

// Mapping is an immutable engine -> runtime identifier table.
type Mapping struct {
	entries map[string]string
}

// DefaultMapping returns the built-in table.
func DefaultMapping() Mapping {
	return NewMapping(builtinMapping)
}

// NewMapping copies entries into a mapping. Keys are case-folded.
func NewMapping(entries map[string]string) Mapping {
	out := make(map[string]string, len(entries))
	for k, v := range entries {
		k = normalizeEngine(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return Mapping{entries: out}
}

// Len returns the number of entries.
func (m Mapping) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the table.
func (m Mapping) Entries() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Engines returns the mapped engine names in sorted order.
func (m Mapping) Engines() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves engine, falling back to the default entry.
func (m Mapping) Lookup(engine string) (string, bool) {
	if v, ok := m.entries[normalizeEngine(engine)]; ok {
		return v, true
	}
	v, ok := m.entries[DefaultEngine]
	return v, ok
}

// Resolve applies the two-tier rule: a non-empty override wins, otherwise the
// mapping decides.
func (m Mapping) Resolve(engine string, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	if v, ok := m.Lookup(engine); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: engine=%q", ErrUnmapped, engine)
}

// LoadFile reads a mapping file. JSON files parse as YAML. An empty file is
// an empty mapping: every legacy engine stays unmapped.
func LoadFile(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("runtimes: read %s: %w", path, err)
	}
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Mapping{}, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	return NewMapping(raw), nil
}

// LoadOrDefault reads path when it exists and falls back to the built-in table.
func LoadOrDefault(path string) (Mapping, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultMapping(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultMapping(), nil
	}
	return LoadFile(path)
}

// WriteFile stores the mapping as YAML.
func WriteFile(path string, m Mapping) error {
	data, err := yaml.Marshal(m.Entries())
	if err != nil {
		return fmt.Errorf("runtimes: encode mapping: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runtimes: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runtimes: write %s: %w", path, err)
	}
	return nil
}

// Populate derives a mapping from the runtimes available on a workspace. For
// each language family the lexically greatest kernel of the Workbench Standard
// runtimes wins; python3 also serves python2 and the default entry.
func Populate(available []artifact.RuntimeRef) (Mapping, error) {
	type pick struct {
		kernel string
		id     string
	}
	best := map[string]pick{}
	consider := func(engine string, rt artifact.RuntimeRef) {
		cur, ok := best[engine]
		if !ok || rt.Kernel > cur.kernel {
			best[engine] = pick{kernel: rt.Kernel, id: rt.Identifier}
		}
	}

	for _, rt := range available {
		if rt.Editor != defaultEditor || rt.Edition != defaultEdition || rt.Identifier == "" {
			continue
		}
		switch {
		case strings.Contains(rt.Kernel, "Python"):
			consider("python3", rt)
		case strings.Contains(rt.Kernel, "Scala"):
			consider("scala", rt)
		case strings.Contains(rt.Kernel, "R"):
			consider("r", rt)
		}
	}

	py, ok := best["python3"]
	if !ok {
		return Mapping{}, ErrEmptyPopulate
	}
	entries := map[string]string{
		"python3":     py.id,
		"python2":     py.id,
		DefaultEngine: py.id,
	}
	if r, ok := best["r"]; ok {
		entries["r"] = r.id
	}
	if s, ok := best["scala"]; ok {
		entries["scala"] = s.id
	}
	return NewMapping(entries), nil
}

func normalizeEngine(engine string) string {
	return strings.ToLower(strings.TrimSpace(engine))
}
