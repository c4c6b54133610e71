package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/remote"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/state"
	"github.com/danmuck/migratectl/internal/syncer"
)

// ImportDeps are the collaborators of an import run.
type ImportDeps struct {
	Client   remote.Client
	Delegate syncer.Delegate
	// Target is where the staged files are copied; its Path is the tree root.
	Target syncer.Endpoint
}

// Importer recreates a staged project on the target workspace. Artifacts are
// created once; an artifact already present on the target is never updated.
type Importer struct {
	cfg    config.Project
	deps   ImportDeps
	layout manifest.Layout
}

type importRun struct {
	*Importer
	s         *session
	snapshot  manifest.Snapshot
	entries   map[artifact.Key]manifest.Entry
	projectID string

	catalogOnce sync.Once
	catalog     []artifact.RuntimeRef
	catalogErr  error
}

func NewImporter(cfg config.Project, deps ImportDeps) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDeps(cfg, deps.Client, deps.Delegate); err != nil {
		return nil, err
	}
	if strings.TrimSpace(deps.Target.Path) == "" {
		deps.Target.Path = cfg.FilesRoot
	}
	return &Importer{
		cfg:    cfg,
		deps:   deps,
		layout: manifest.NewLayout(cfg.OutputDir, cfg.Name),
	}, nil
}

func (im *Importer) Layout() manifest.Layout {
	return im.layout
}

// Run executes one import. Staging is validated before the run lock is
// taken, so a rejected manifest never touches state.
func (im *Importer) Run(ctx context.Context) (Summary, error) {
	snap, err := ValidateImport(ctx, im.cfg, im.deps.Client)
	if err != nil {
		return Summary{
			Project:   im.cfg.Name,
			Direction: artifact.DirectionImport,
			Outcome:   OutcomeOf(err),
			Err:       err,
		}, err
	}

	s, err := openSession(ctx, im.cfg, artifact.DirectionImport)
	if err != nil {
		return Summary{
			Project:   im.cfg.Name,
			Direction: artifact.DirectionImport,
			Outcome:   OutcomeOf(err),
			Err:       err,
		}, err
	}
	r := &importRun{Importer: im, s: s, snapshot: snap}
	return s.finish(ctx, r.run(ctx))
}

func (im *importRun) run(ctx context.Context) error {
	if err := im.ensureProject(ctx); err != nil {
		return err
	}
	if err := im.discover(ctx); err != nil {
		return err
	}
	if err := im.s.syncFiles(ctx, func(ctx context.Context) (syncer.Result, error) {
		return im.deps.Delegate.Sync(ctx, im.layout.DataDir()+"/", im.deps.Target.String(), nil)
	}); err != nil {
		return err
	}

	plan, err := im.s.plan(ctx)
	if err != nil {
		return err
	}
	return im.s.execute(ctx, plan, im.importOne)
}

// ensureProject finds or creates the target project shell. The team named by
// the descriptor must already exist.
func (im *importRun) ensureProject(ctx context.Context) error {
	desc := im.snapshot.Project
	p, err := im.deps.Client.FindProject(ctx, im.cfg.Username, desc.Name)
	if err == nil {
		im.projectID = p.ID
		im.s.logger.Info().Msgf("migration.Importer.ensureProject found id=%q", p.ID)
		return nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return abort(ctx, "find target project", err)
	}

	if desc.Team != "" {
		ok, err := im.deps.Client.TeamExists(ctx, desc.Team)
		if err != nil {
			return abort(ctx, "check team", err)
		}
		if !ok {
			return fatal("project shell", &config.ConfigurationError{
				Section: im.cfg.Name,
				Key:     "team",
				Reason:  fmt.Sprintf("team %q does not exist on target", desc.Team),
			})
		}
	}

	created, err := im.deps.Client.CreateProject(ctx, remote.Project{
		Name:         desc.Name,
		Owner:        im.cfg.Username,
		Visibility:   desc.Visibility,
		Description:  desc.Description,
		Team:         desc.Team,
		Template:     desc.Template,
		LegacyEngine: desc.LegacyEngine,
		Environment:  artifact.CloneAttributes(desc.Environment),
	})
	if err != nil {
		return abort(ctx, "create target project", err)
	}
	im.projectID = created.ID
	im.s.logger.Info().Msgf("migration.Importer.ensureProject created id=%q", created.ID)
	return nil
}

// discover registers manifest entries. Workloads depend on the files record,
// their runtime record unless the entry pins its runtime, and any depends_on
// keys of the entry.
func (im *importRun) discover(ctx context.Context) error {
	filesKey := artifact.ProjectFilesKey()
	items := []state.Discovery{{Key: filesKey, Name: im.snapshot.Project.Name + " files"}}
	im.entries = map[artifact.Key]manifest.Entry{}

	for _, entry := range im.snapshot.Runtimes {
		key, err := entry.Key()
		if err != nil {
			return fatal("read manifest", err)
		}
		im.entries[key] = entry
		items = append(items, state.Discovery{Key: key, Name: entryName(entry), DependsOn: []artifact.Key{filesKey}})
	}
	for _, entry := range im.snapshot.Workloads {
		key, err := entry.Key()
		if err != nil {
			return fatal("read manifest", err)
		}
		deps := []artifact.Key{filesKey}
		if entry.RuntimeKey != "" && im.pinnedRuntime(entry) == "" {
			rk, err := artifact.ParseKey(entry.RuntimeKey)
			if err != nil {
				return fatal("read manifest", fmt.Errorf("%s runtime_key: %w", key, err))
			}
			deps = append(deps, rk)
		}
		extra, err := entry.Dependencies()
		if err != nil {
			return fatal("read manifest", fmt.Errorf("%s: %w", key, err))
		}
		deps = append(deps, extra...)
		im.entries[key] = entry
		items = append(items, state.Discovery{Key: key, Name: entryName(entry), DependsOn: deps})
	}

	if err := im.s.register(ctx, items); err != nil {
		return err
	}
	im.s.logger.Info().Msgf("migration.Importer.discover runtimes=%d workloads=%d",
		len(im.snapshot.Runtimes), len(im.snapshot.Workloads))
	return nil
}

func entryName(entry manifest.Entry) string {
	if entry.Name != "" {
		return entry.Name
	}
	return entry.SourceID
}

func (im *importRun) importOne(ctx context.Context, rec artifact.Record) (string, error) {
	entry, ok := im.entries[rec.Key]
	if !ok {
		return "", fmt.Errorf("%s is not in the staged manifest", rec.Key)
	}
	if rec.Kind == artifact.KindRuntime {
		return im.resolveRuntime(ctx, entry)
	}
	return im.importWorkload(ctx, rec, entry)
}

func (im *importRun) targetCatalog(ctx context.Context) ([]artifact.RuntimeRef, error) {
	im.catalogOnce.Do(func() {
		im.catalog, im.catalogErr = im.deps.Client.ListRuntimes(ctx)
	})
	return im.catalog, im.catalogErr
}

// resolveRuntime picks the target runtime for a runtime entry: the override,
// the staged identifier if the target offers it, the closest match by
// attributes, then default_runtime. An entry carrying only a legacy engine
// goes through the target's engine mapping and may stay unmapped.
func (im *importRun) resolveRuntime(ctx context.Context, entry manifest.Entry) (string, error) {
	if o := strings.TrimSpace(entry.RuntimeOverride); o != "" {
		return o, nil
	}
	if strings.TrimSpace(entry.RuntimeIdentifier) == "" && entry.Engine != "" {
		id, err := im.deps.Client.ResolveRuntimeForLegacyEngine(ctx, entry.Engine)
		if errors.Is(err, runtimes.ErrUnmapped) {
			im.s.logger.Info().Msgf("migration.Importer.resolveRuntime engine kept unmapped engine=%q", entry.Engine)
			return "", nil
		}
		if err != nil {
			return "", classify("resolve engine "+entry.Engine, err)
		}
		return id, nil
	}
	catalog, err := im.targetCatalog(ctx)
	if err != nil {
		return "", classify("list target runtimes", err)
	}
	want := entry.Runtime()
	if len(catalog) == 0 {
		return want.Identifier, nil
	}
	if runtimes.Available(catalog, want.Identifier) {
		return want.Identifier, nil
	}
	if id, err := runtimes.BestMatch(catalog, want); err == nil {
		im.s.logger.Info().Msgf("migration.Importer.resolveRuntime matched want=%q got=%q", want.Identifier, id)
		return id, nil
	}
	if im.cfg.DefaultRuntime != "" {
		im.s.logger.Info().Msgf("migration.Importer.resolveRuntime default want=%q got=%q", want.Identifier, im.cfg.DefaultRuntime)
		return im.cfg.DefaultRuntime, nil
	}
	return "", fmt.Errorf("%w: %q unavailable on target and no default_runtime set", runtimes.ErrNoCandidates, want.Identifier)
}

// pinnedRuntime returns the runtime a workload entry names for itself: its
// override, or a runtime_identifier edited away from the value staged on its
// runtime entry. Empty means the runtime record decides.
func (im *importRun) pinnedRuntime(entry manifest.Entry) string {
	if o := strings.TrimSpace(entry.RuntimeOverride); o != "" {
		return o
	}
	id := strings.TrimSpace(entry.RuntimeIdentifier)
	if id == "" || entry.RuntimeKey == "" {
		return ""
	}
	rk, err := artifact.ParseKey(entry.RuntimeKey)
	if err != nil {
		return ""
	}
	if rt, ok := im.entries[rk]; ok && strings.TrimSpace(rt.RuntimeIdentifier) != id {
		return id
	}
	return ""
}

// workloadRuntime resolves the runtime of a workload entry. A pinned runtime
// wins, then the imported runtime record, then the staged identifier, then
// the legacy engine mapping.
func (im *importRun) workloadRuntime(ctx context.Context, entry manifest.Entry) (string, error) {
	if pinned := im.pinnedRuntime(entry); pinned != "" {
		return pinned, nil
	}
	if entry.RuntimeKey != "" {
		if rk, err := artifact.ParseKey(entry.RuntimeKey); err == nil {
			if rec, ok, err := im.s.store.Get(ctx, rk); err == nil && ok && rec.Done() && rec.TargetID != "" {
				return rec.TargetID, nil
			}
		}
	}
	if id := strings.TrimSpace(entry.RuntimeIdentifier); id != "" {
		return id, nil
	}
	if entry.Engine == "" {
		return "", nil
	}
	id, err := im.deps.Client.ResolveRuntimeForLegacyEngine(ctx, entry.Engine)
	if errors.Is(err, runtimes.ErrUnmapped) {
		return "", nil
	}
	if err != nil {
		return "", classify("resolve engine "+entry.Engine, err)
	}
	return id, nil
}

// importWorkload creates one artifact unless a same-name artifact of the same
// kind exists. An existing artifact is adopted when a prior attempt may have
// created it or adopt_existing is set; otherwise it is a conflict.
func (im *importRun) importWorkload(ctx context.Context, rec artifact.Record, entry manifest.Entry) (string, error) {
	md, err := entry.Metadata()
	if err != nil {
		return "", err
	}
	runtimeID, err := im.workloadRuntime(ctx, entry)
	if err != nil {
		return "", err
	}
	md.Runtime = entry.Runtime()
	md.Runtime.Identifier = runtimeID

	deps, _ := entry.Dependencies()
	for _, dep := range deps {
		if dep.Kind() != artifact.KindJob || md.Kind != artifact.KindJob {
			continue
		}
		if parent, ok, err := im.s.store.Get(ctx, dep); err == nil && ok && parent.TargetID != "" {
			md.ParentID = parent.TargetID
		}
	}

	existing, err := im.deps.Client.ListArtifacts(ctx, im.projectID, md.Kind)
	if err != nil {
		return "", classify("list target "+md.Kind.Plural(), err)
	}
	for _, other := range existing {
		if other.Name != md.Name {
			continue
		}
		if mayHaveCreated(rec) || im.cfg.AdoptExisting || (rec.TargetID != "" && other.ID == rec.TargetID) {
			im.s.logger.Info().Msgf("migration.Importer.importWorkload adopted key=%q target=%q", rec.Key, other.ID)
			return other.ID, nil
		}
		return "", &ConflictError{Kind: md.Kind, Name: md.Name, TargetID: other.ID}
	}

	id, err := im.deps.Client.CreateArtifact(ctx, im.projectID, md.Kind, md)
	if err != nil {
		return "", classify("create "+string(rec.Key), err)
	}
	return id, nil
}

// mayHaveCreated reports whether an earlier attempt could have created the
// artifact before its outcome was recorded. A conflict ends an attempt
// without creating anything.
func mayHaveCreated(rec artifact.Record) bool {
	return rec.Attempts > 0 && !strings.HasPrefix(rec.LastError, conflictPrefix)
}
