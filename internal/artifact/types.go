package artifact

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidKind       = errors.New("artifact: invalid kind")
	ErrInvalidKey        = errors.New("artifact: invalid key")
	ErrInvalidTransition = errors.New("artifact: invalid status transition")
	ErrInvalidDirection  = errors.New("artifact: invalid direction")
)

// Kind names one migratable unit category.
type Kind string

const (
	KindProjectFiles Kind = "project_files"
	KindRuntime      Kind = "runtime"
	KindModel        Kind = "model"
	KindJob          Kind = "job"
	KindApplication  Kind = "application"
)

// WorkloadKinds lists the kinds enumerated from the remote API, in manifest order.
var WorkloadKinds = []Kind{KindModel, KindJob, KindApplication}

// ParseKind normalizes a kind name read from a manifest or flag.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindProjectFiles, KindRuntime, KindModel, KindJob, KindApplication:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Plural returns the directory name used for the kind inside a manifest.
func (k Kind) Plural() string {
	switch k {
	case KindRuntime:
		return "runtimes"
	case KindModel:
		return "models"
	case KindJob:
		return "jobs"
	case KindApplication:
		return "applications"
	}
	return string(k)
}

// Tier is a dependency-ordered group of kinds.
type Tier int

const (
	TierFiles Tier = iota
	TierRuntime
	TierWorkload
)

func (t Tier) String() string {
	switch t {
	case TierFiles:
		return "files"
	case TierRuntime:
		return "runtime"
	case TierWorkload:
		return "workload"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Tier returns the dependency tier of the kind.
func (k Kind) Tier() Tier {
	switch k {
	case KindProjectFiles:
		return TierFiles
	case KindRuntime:
		return TierRuntime
	}
	return TierWorkload
}

// Status is the migration state of one record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus normalizes a persisted status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("artifact: invalid status %q", raw)
}

// CanTransition reports whether from -> to is a legal status move.
//
// Pending and Failed records may start; InProgress may only finish. Completed is
// terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Direction names which side of a migration a run drives.
type Direction string

const (
	DirectionExport Direction = "export"
	DirectionImport Direction = "import"
)

// ParseDirection validates a direction string.
func ParseDirection(raw string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case DirectionExport, DirectionImport:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// Key is the stable identity of a record: "<kind>/<source-id>".
type Key string

// NewKey builds a key from the kind and the source-side stable identifier.
func NewKey(kind Kind, sourceID string) Key {
	return Key(string(kind) + "/" + strings.TrimSpace(sourceID))
}

// ProjectFilesKey is the single files record of a project.
func ProjectFilesKey() Key {
	return NewKey(KindProjectFiles, "tree")
}

// ParseKey splits and validates a key.
func ParseKey(raw string) (Key, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return NewKey(k, id), nil
}

// Kind returns the kind part of the key.
func (k Key) Kind() Kind {
	kind, _, _ := strings.Cut(string(k), "/")
	return Kind(kind)
}

// SourceID returns the identifier part of the key.
func (k Key) SourceID() string {
	_, id, _ := strings.Cut(string(k), "/")
	return id
}

// Record is one tracked migration unit.
type Record struct {
	Key       Key
	Kind      Kind
	Name      string
	Status    Status
	Attempts  int
	LastError string
	TargetID  string
	DependsOn []Key
	Seq       int64
	UpdatedAt time.Time
}

// Done reports whether the record will be skipped by a rerun.
func (r Record) Done() bool {
	return r.Status == StatusCompleted
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if len(r.DependsOn) > 0 {
		out.DependsOn = append([]Key(nil), r.DependsOn...)
	}
	return out
}

// RuntimeRef is a runtime attribute set as reported by a workspace API.
type RuntimeRef struct {
	Identifier   string
	Kernel       string
	Edition      string
	Editor       string
	ShortVersion string
	FullVersion  string
}

// Empty reports whether no runtime attribute is set.
func (r RuntimeRef) Empty() bool {
	return r == RuntimeRef{}
}

// Metadata is the remote-side description of a workload artifact.
type Metadata struct {
	ID         string
	Kind       Kind
	Name       string
	Engine     string // legacy engine kernel; empty for runtime-based artifacts
	Runtime    RuntimeRef
	ParentID   string
	Attributes map[string]string
}

// Key returns the record key for the metadata's source identifier.
func (m Metadata) Key() Key {
	return NewKey(m.Kind, m.ID)
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.Attributes = CloneAttributes(m.Attributes)
	return out
}

// CloneAttributes copies an attribute map; nil stays nil.
func CloneAttributes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortRecords orders records by discovery sequence, then key.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Seq != records[j].Seq {
			return records[i].Seq < records[j].Seq
		}
		return records[i].Key < records[j].Key
	})
}
