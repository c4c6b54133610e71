package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/ignore"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/remote"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/state"
	"github.com/danmuck/migratectl/internal/syncer"
)

// engineRuntimePrefix marks runtime records derived from a legacy engine
// rather than a runtime identifier.
const engineRuntimePrefix = "engine:"

// ExportDeps are the collaborators of an export run.
type ExportDeps struct {
	Client   remote.Client
	Delegate syncer.Delegate
	Tree     syncer.Tree
	// Source is where the project files live; its Path is the tree root.
	Source syncer.Endpoint
}

// Exporter copies a project's files and artifact metadata to the staging
// host.
type Exporter struct {
	cfg    config.Project
	deps   ExportDeps
	layout manifest.Layout
	now    func() time.Time
}

// exportRun is the state of one export run.
type exportRun struct {
	*Exporter
	s         *session
	source    remote.Project
	artifacts map[artifact.Key]artifact.Metadata

	catalogOnce sync.Once
	catalog     []artifact.RuntimeRef
}

func NewExporter(cfg config.Project, deps ExportDeps) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDeps(cfg, deps.Client, deps.Delegate); err != nil {
		return nil, err
	}
	if deps.Tree == nil {
		return nil, &config.ConfigurationError{Section: cfg.Name, Reason: "source file tree reader is required"}
	}
	if strings.TrimSpace(deps.Source.Path) == "" {
		deps.Source.Path = cfg.FilesRoot
	}
	return &Exporter{
		cfg:    cfg,
		deps:   deps,
		layout: manifest.NewLayout(cfg.OutputDir, cfg.Name),
		now:    time.Now,
	}, nil
}

func checkDeps(cfg config.Project, client remote.Client, delegate syncer.Delegate) error {
	if client == nil {
		return &config.ConfigurationError{Section: cfg.Name, Reason: "remote client is required"}
	}
	if delegate == nil {
		return &config.ConfigurationError{Section: cfg.Name, Reason: "sync delegate is required"}
	}
	return nil
}

func (e *Exporter) Layout() manifest.Layout {
	return e.layout
}

// Run executes one export. The returned error is nil for complete and
// partial runs; the summary carries per-artifact outcomes either way.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	s, err := openSession(ctx, e.cfg, artifact.DirectionExport)
	if err != nil {
		return Summary{
			Project:   e.cfg.Name,
			Direction: artifact.DirectionExport,
			Outcome:   OutcomeOf(err),
			Err:       err,
		}, err
	}
	r := &exportRun{Exporter: e, s: s}
	return s.finish(ctx, r.run(ctx))
}

func (e *exportRun) run(ctx context.Context) error {
	s := e.s
	if err := manifest.RemoveProject(e.layout); err != nil {
		return fatal("reset descriptor", err)
	}

	src, err := e.deps.Client.FindProject(ctx, e.cfg.Username, e.cfg.Name)
	if err != nil {
		return abort(ctx, "find source project", err)
	}
	e.source = src

	if err := e.discover(ctx); err != nil {
		return err
	}
	if err := s.syncFiles(ctx, e.syncFiles); err != nil {
		return err
	}

	plan, err := s.plan(ctx)
	if err != nil {
		return err
	}
	if err := s.execute(ctx, plan, e.exportOne); err != nil {
		return err
	}
	return e.writeDescriptor(ctx)
}

func abort(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrInterrupted, step, err)
	}
	return fatal(step, classify(step, err))
}

// discover enumerates source artifacts and registers them with their
// prerequisites: the files record, their runtime record, and a parent job.
func (e *exportRun) discover(ctx context.Context) error {
	filesKey := artifact.ProjectFilesKey()
	items := []state.Discovery{{Key: filesKey, Name: e.source.Name + " files"}}
	var runtimeItems, workloadItems []state.Discovery
	seenRuntime := map[artifact.Key]bool{}
	e.artifacts = map[artifact.Key]artifact.Metadata{}

	for _, kind := range artifact.WorkloadKinds {
		list, err := e.deps.Client.ListArtifacts(ctx, e.source.ID, kind)
		if err != nil {
			return abort(ctx, "list "+kind.Plural(), err)
		}
		for _, md := range list {
			key := md.Key()
			e.artifacts[key] = md
			deps := []artifact.Key{filesKey}
			if rk, ok := e.runtimeKey(md); ok {
				deps = append(deps, rk)
				if !seenRuntime[rk] {
					seenRuntime[rk] = true
					runtimeItems = append(runtimeItems, state.Discovery{
						Key:       rk,
						Name:      rk.SourceID(),
						DependsOn: []artifact.Key{filesKey},
					})
				}
			}
			if md.Kind == artifact.KindJob && md.ParentID != "" {
				deps = append(deps, artifact.NewKey(artifact.KindJob, md.ParentID))
			}
			workloadItems = append(workloadItems, state.Discovery{Key: key, Name: md.Name, DependsOn: deps})
		}
	}

	items = append(items, runtimeItems...)
	items = append(items, workloadItems...)
	if err := e.s.register(ctx, items); err != nil {
		return err
	}
	e.s.logger.Info().Msgf("migration.Exporter.discover runtimes=%d workloads=%d", len(runtimeItems), len(workloadItems))
	return nil
}

// runtimeKey names the runtime record a workload depends on. Runtime-based
// artifacts use their identifier; legacy ones their engine, falling back to
// the project default engine.
func (e *exportRun) runtimeKey(md artifact.Metadata) (artifact.Key, bool) {
	if id := strings.TrimSpace(md.Runtime.Identifier); id != "" {
		return artifact.NewKey(artifact.KindRuntime, id), true
	}
	engine := strings.TrimSpace(md.Engine)
	if engine == "" {
		engine = strings.TrimSpace(e.source.LegacyEngine)
	}
	if engine == "" {
		return "", false
	}
	return artifact.NewKey(artifact.KindRuntime, engineRuntimePrefix+strings.ToLower(engine)), true
}

func (e *exportRun) syncFiles(ctx context.Context) (syncer.Result, error) {
	root := e.deps.Source.Path
	entries, err := e.deps.Tree.List(ctx, root)
	if err != nil {
		return syncer.Result{}, err
	}
	content, found, err := e.deps.Tree.ReadFile(ctx, path.Join(root, ignore.FileName))
	if err != nil {
		return syncer.Result{}, err
	}
	filter := ignore.FromContent(content, found)
	exclusions := filter.Exclusions(entries)

	if e.cfg.CheckDiskSpace {
		need := filter.IncludedBytes(entries) - stagedBytes(e.layout.DataDir())
		if need > 0 {
			if err := syncer.CheckSpace(e.layout.DataDir(), need); err != nil {
				return syncer.Result{}, err
			}
		}
	}

	return e.deps.Delegate.Sync(ctx, e.deps.Source.String(), e.layout.DataDir()+"/", exclusions)
}

func stagedBytes(dir string) int64 {
	if _, err := os.Stat(dir); err != nil {
		return 0
	}
	entries, err := ignore.WalkLocal(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		if !entry.Dir {
			total += entry.Size
		}
	}
	return total
}

func (e *exportRun) exportOne(ctx context.Context, rec artifact.Record) (string, error) {
	if rec.Kind == artifact.KindRuntime {
		return e.exportRuntime(ctx, rec)
	}
	return e.exportWorkload(ctx, rec)
}

func (e *exportRun) sourceCatalog(ctx context.Context) []artifact.RuntimeRef {
	e.catalogOnce.Do(func() {
		refs, err := e.deps.Client.ListRuntimes(ctx)
		if err != nil {
			e.s.logger.Warn().Msgf("migration.Exporter.sourceCatalog runtime attributes unavailable err=%v", err)
			return
		}
		e.catalog = refs
	})
	return e.catalog
}

func (e *exportRun) exportRuntime(ctx context.Context, rec artifact.Record) (string, error) {
	id := rec.Key.SourceID()
	entry := manifest.Entry{
		Kind:     string(artifact.KindRuntime),
		SourceID: id,
		Name:     rec.Name,
	}
	if engine, ok := strings.CutPrefix(id, engineRuntimePrefix); ok {
		entry.Engine = engine
		resolved, err := e.deps.Client.ResolveRuntimeForLegacyEngine(ctx, engine)
		switch {
		case errors.Is(err, runtimes.ErrUnmapped):
			e.s.logger.Info().Msgf("migration.Exporter.exportRuntime engine kept unmapped engine=%q", engine)
		case err != nil:
			return "", classify("resolve engine "+engine, err)
		default:
			entry.RuntimeIdentifier = resolved
		}
	} else {
		entry.RuntimeIdentifier = id
	}

	if entry.RuntimeIdentifier != "" {
		for _, ref := range e.sourceCatalog(ctx) {
			if ref.Identifier == entry.RuntimeIdentifier {
				entry.Attributes = manifest.RuntimeAttributes(ref)
				break
			}
		}
	}
	if err := manifest.WriteEntry(e.layout, entry); err != nil {
		return "", fatal("write manifest", err)
	}
	return entry.RuntimeIdentifier, nil
}

func (e *exportRun) exportWorkload(ctx context.Context, rec artifact.Record) (string, error) {
	kind := rec.Key.Kind()
	md, err := e.deps.Client.GetArtifact(ctx, e.source.ID, kind, rec.Key.SourceID())
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return "", fmt.Errorf("%s no longer exists on source: %w", rec.Key, err)
		}
		return "", classify("get "+string(rec.Key), err)
	}
	if md.ID == "" {
		md.ID = rec.Key.SourceID()
	}
	md.Kind = kind

	entry := manifest.Entry{
		Kind:       string(kind),
		SourceID:   md.ID,
		Name:       md.Name,
		Engine:     md.Engine,
		Attributes: artifact.CloneAttributes(md.Attributes),
	}
	if rk, ok := e.runtimeKey(md); ok {
		entry.RuntimeKey = string(rk)
		if rt, found, err := e.s.store.Get(ctx, rk); err == nil && found {
			entry.RuntimeIdentifier = rt.TargetID
		}
	}
	if kind == artifact.KindJob && md.ParentID != "" {
		entry.DependsOn = []string{string(artifact.NewKey(artifact.KindJob, md.ParentID))}
	}

	if err := manifest.WriteEntry(e.layout, entry); err != nil {
		return "", fatal("write manifest", err)
	}
	return e.layout.EntryPath(kind, md.ID), nil
}

// writeDescriptor persists the project descriptor once every record has
// completed. A run with failures leaves the manifest incomplete so import
// refuses it until a rerun finishes the export.
func (e *exportRun) writeDescriptor(ctx context.Context) error {
	records, err := e.s.store.List(ctx)
	if err != nil {
		return fatal("list records", err)
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if !rec.Done() {
			e.s.logger.Warn().Msgf("migration.Exporter.writeDescriptor withheld incomplete=%q", rec.Key)
			return nil
		}
		if rec.Kind != artifact.KindProjectFiles {
			keys = append(keys, string(rec.Key))
		}
	}

	project := manifest.Project{
		Name:         e.cfg.Name,
		Owner:        e.source.Owner,
		Visibility:   e.source.Visibility,
		Description:  e.source.Description,
		Team:         e.source.Team,
		Template:     e.source.Template,
		LegacyEngine: e.source.LegacyEngine,
		ExportedAt:   e.now().UTC(),
		Artifacts:    keys,
		Environment:  artifact.CloneAttributes(e.source.Environment),
	}
	if err := manifest.WriteProject(e.layout, project); err != nil {
		return fatal("write descriptor", err)
	}
	e.s.logger.Info().Msgf("migration.Exporter.writeDescriptor written path=%q artifacts=%d", e.layout.ProjectFile(), len(keys))
	return nil
}
