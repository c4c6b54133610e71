package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/lock"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/observability"
	"github.com/danmuck/migratectl/internal/scheduler"
	"github.com/danmuck/migratectl/internal/state"
	"github.com/danmuck/migratectl/internal/syncer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// step migrates one record and returns its target-side identifier. rec is
// the record as it was before the attempt started.
type step func(ctx context.Context, rec artifact.Record) (string, error)

// session owns the resources of one run: the lock, the store, and metrics.
type session struct {
	cfg       config.Project
	direction artifact.Direction
	layout    manifest.Layout
	lock      *lock.Lock
	store     *state.Store
	metrics   *observability.RunMetrics
	status    *observability.StatusServer
	runID     string
	logger    zerolog.Logger
	started   time.Time
	bytes     atomic.Int64
}

// openSession takes the run lock before touching the store so a rejected run
// never writes state.
func openSession(ctx context.Context, cfg config.Project, direction artifact.Direction) (*session, error) {
	layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)
	runID := uuid.NewString()

	lk, err := lock.Acquire(layout.LockPath(direction), fmt.Sprintf("%s/%s", direction, runID))
	if err != nil {
		return nil, err
	}

	store, err := state.Open(layout.StatePath(), cfg.Name, direction)
	if err != nil {
		_ = lk.Release()
		return nil, fatal("open state", err)
	}

	s := &session{
		cfg:       cfg,
		direction: direction,
		layout:    layout,
		lock:      lk,
		store:     store,
		metrics:   observability.NewRunMetrics(cfg.Name, string(direction)),
		runID:     runID,
		logger:    observability.RunLogger(log.Logger, cfg.Name, string(direction), runID),
		started:   time.Now(),
	}

	if n, err := store.RecoverInterrupted(ctx); err != nil {
		s.release()
		return nil, fatal("recover state", err)
	} else if n > 0 {
		s.logger.Warn().Msgf("migration.session.open recovered interrupted records count=%d", n)
	}
	if err := store.BeginRun(ctx, runID); err != nil {
		s.release()
		return nil, fatal("begin run", err)
	}

	if cfg.StatusAddr != "" {
		s.status = observability.NewStatusServer(observability.StatusServerConfig{
			Addr:  cfg.StatusAddr,
			Name:  "migratectl " + string(direction),
			Token: cfg.StatusToken,
		}, s.metrics, s.statusReport)
		if err := s.status.Start(); err != nil {
			s.logger.Warn().Msgf("migration.session.open status server disabled err=%v", err)
			s.status = nil
		}
	}

	s.logger.Info().Msgf("migration.session.open run started store=%q", store.Path())
	return s, nil
}

type statusRecord struct {
	Key       string `json:"key"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
}

func (s *session) statusReport(ctx context.Context) (any, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]statusRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, statusRecord{
			Key:       string(rec.Key),
			Kind:      string(rec.Kind),
			Name:      rec.Name,
			Status:    string(rec.Status),
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			TargetID:  rec.TargetID,
		})
	}
	return map[string]any{
		"run_id":    s.runID,
		"project":   s.cfg.Name,
		"direction": s.direction,
		"records":   out,
	}, nil
}

// statusOf reads prerequisite status for scheduler gating. Read failures
// count as not completed.
func (s *session) statusOf(ctx context.Context) func(artifact.Key) (artifact.Status, bool) {
	return func(key artifact.Key) (artifact.Status, bool) {
		rec, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return artifact.StatusFailed, true
		}
		if !ok {
			return "", false
		}
		return rec.Status, true
	}
}

// syncFiles runs the files step. The sync is always executed; the files
// record only moves when it has not completed before.
func (s *session) syncFiles(ctx context.Context, run func(context.Context) (syncer.Result, error)) error {
	key := artifact.ProjectFilesKey()
	persist := context.WithoutCancel(ctx)
	rec, ok, err := s.store.Get(persist, key)
	if err != nil {
		return fatal("read files record", err)
	}
	done := ok && rec.Done()
	if ok && !done {
		if _, err := s.store.Start(persist, key); err != nil {
			return fatal("start files record", err)
		}
	}

	start := time.Now()
	res, syncErr := run(ctx)
	if syncErr != nil {
		cause := syncErr
		interrupted := ctx.Err() != nil
		if interrupted {
			cause = errors.New(state.InterruptedCause)
		}
		if ok && !done {
			if _, err := s.store.Fail(persist, key, cause); err != nil {
				return fatal("record files failure", err)
			}
		}
		s.metrics.RecordArtifact(string(artifact.KindProjectFiles), string(artifact.StatusFailed), time.Since(start))
		if interrupted {
			return fmt.Errorf("%w: file sync: %v", ErrInterrupted, syncErr)
		}
		return fatal("file sync", syncErr)
	}

	s.bytes.Add(res.BytesTransferred)
	s.metrics.RecordSync(res.BytesTransferred, time.Since(start))
	if ok && !done {
		if _, err := s.store.Complete(persist, key, ""); err != nil {
			return fatal("complete files record", err)
		}
	}
	s.metrics.RecordArtifact(string(artifact.KindProjectFiles), string(artifact.StatusCompleted), time.Since(start))
	s.logger.Info().Msgf("migration.session.syncFiles done bytes=%d files=%d", res.BytesTransferred, res.FilesTransferred)
	return nil
}

// register records the current enumeration and retires unfinished records
// from earlier runs that it no longer contains.
func (s *session) register(ctx context.Context, items []state.Discovery) error {
	if err := s.store.Discover(ctx, items...); err != nil {
		return fatal("discover", err)
	}
	current := make([]artifact.Key, 0, len(items))
	for _, item := range items {
		current = append(current, item.Key)
	}
	retired, err := s.store.Retire(ctx, current)
	if err != nil {
		return fatal("retire records", err)
	}
	for _, key := range retired {
		s.logger.Info().Msgf("migration.session.register retired key=%q", key)
	}
	return nil
}

// plan builds the schedule of the records that remain.
func (s *session) plan(ctx context.Context) (scheduler.Plan, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return scheduler.Plan{}, fatal("list records", err)
	}
	plan, err := scheduler.Build(records)
	if err != nil {
		return scheduler.Plan{}, fatal("schedule", err)
	}
	for key, deps := range plan.Dangling {
		s.logger.Warn().Msgf("migration.session.plan unknown prerequisites key=%q deps=%v", key, deps)
	}
	s.logger.Info().Msgf("migration.session.plan pending=%d", plan.Len())
	return plan, nil
}

// execute runs the plan tier by tier. Within a wave, records run on a pool
// bounded by the configured parallelism. After cancellation no new record
// starts; records already started run to completion.
func (s *session) execute(ctx context.Context, plan scheduler.Plan, fn step) error {
	for _, stage := range plan.Stages {
		for _, wave := range stage.Waves {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			if err := s.runWave(ctx, wave, fn); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

func (s *session) runWave(ctx context.Context, wave scheduler.Wave, fn step) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Parallelism, 1))
	for _, rec := range wave {
		rec := rec
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return s.migrateOne(context.WithoutCancel(gctx), rec, fn)
		})
	}
	return g.Wait()
}

// migrateOne applies the per-artifact policy: skip on incomplete
// prerequisites, otherwise start, run, and record the result. Only store
// failures and fatal step errors are returned.
func (s *session) migrateOne(ctx context.Context, rec artifact.Record, fn step) error {
	start := time.Now()
	if blocked := scheduler.Blocked(rec, s.statusOf(ctx)); len(blocked) > 0 {
		cause := &PrerequisiteIncompleteError{Key: rec.Key, Missing: blocked}
		if _, err := s.store.Fail(ctx, rec.Key, cause); err != nil {
			return fatal("record skip", err)
		}
		s.metrics.RecordArtifact(string(rec.Kind), "skipped", time.Since(start))
		s.logger.Warn().Msgf("migration.session.migrateOne skipped key=%q cause=%q", rec.Key, cause.Error())
		return nil
	}

	if _, err := s.store.Start(ctx, rec.Key); err != nil {
		return fatal("start record", err)
	}
	s.logger.Debug().Msgf("migration.session.migrateOne start key=%q name=%q attempt=%d", rec.Key, rec.Name, rec.Attempts+1)

	targetID, stepErr := fn(ctx, rec)
	if stepErr != nil {
		if _, err := s.store.Fail(ctx, rec.Key, stepErr); err != nil {
			return fatal("record failure", err)
		}
		s.metrics.RecordArtifact(string(rec.Kind), string(artifact.StatusFailed), time.Since(start))
		s.logger.Warn().Msgf("migration.session.migrateOne failed key=%q name=%q err=%v", rec.Key, rec.Name, stepErr)
		if errors.Is(stepErr, ErrFatal) {
			return stepErr
		}
		return nil
	}

	if _, err := s.store.Complete(ctx, rec.Key, targetID); err != nil {
		return fatal("complete record", err)
	}
	s.metrics.RecordArtifact(string(rec.Kind), string(artifact.StatusCompleted), time.Since(start))
	s.logger.Info().Msgf("migration.session.migrateOne completed key=%q name=%q target=%q", rec.Key, rec.Name, targetID)
	return nil
}

// finish closes the run: outcome, ledger, metrics, and resource release.
func (s *session) finish(ctx context.Context, runErr error) (Summary, error) {
	persist := context.WithoutCancel(ctx)
	summary := Summary{
		RunID:            s.runID,
		Project:          s.cfg.Name,
		Direction:        s.direction,
		BytesTransferred: s.bytes.Load(),
		StartedAt:        s.started,
		Duration:         time.Since(s.started),
		Err:              runErr,
	}

	records, err := s.store.List(persist)
	if err != nil && runErr == nil {
		runErr = fatal("list records", err)
		summary.Err = runErr
	}
	summary.Records = records

	complete := true
	for _, rec := range records {
		if !rec.Done() {
			complete = false
			break
		}
	}
	switch {
	case runErr != nil:
		summary.Outcome = OutcomeOf(runErr)
	case ctx.Err() != nil && !complete:
		summary.Outcome = OutcomeInterrupted
		summary.Err = ErrInterrupted
		runErr = ErrInterrupted
	case complete:
		summary.Outcome = OutcomeComplete
	default:
		summary.Outcome = OutcomePartial
	}

	if err := s.store.FinishRun(persist, s.runID, string(summary.Outcome)); err != nil {
		s.logger.Warn().Msgf("migration.session.finish ledger err=%v", err)
	}
	s.metrics.RecordRun(string(summary.Outcome), summary.Duration)
	if err := s.metrics.WriteTextfile(s.layout.MetricsPath(s.direction)); err != nil {
		s.logger.Warn().Msgf("migration.session.finish metrics err=%v", err)
	}
	s.logger.Info().Msgf("migration.session.finish outcome=%s records=%d failed=%d",
		summary.Outcome, len(records), len(summary.Failed()))
	s.release()
	return summary, runErr
}

func (s *session) release() {
	if s.status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.status.Shutdown(shutdownCtx)
		cancel()
		s.status = nil
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Msgf("migration.session.release store close err=%v", err)
	}
	if err := s.lock.Release(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn().Msgf("migration.session.release lock err=%v", err)
	}
}
