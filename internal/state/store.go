package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/migratectl/internal/artifact"
	_ "modernc.org/sqlite"
)

var (
	ErrUnknownRecord = errors.New("state: unknown record")
	ErrStoreClosed   = errors.New("state: store closed")
	ErrInvalidScope  = errors.New("state: invalid scope")
)

// InterruptedCause is recorded on records a previous process left InProgress.
const InterruptedCause = "interrupted: outcome unknown, retry on next run"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	project    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	key        TEXT NOT NULL,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (project, direction, key)
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(project, direction, status);
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	direction   TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT ''
);
`

// Discovery announces one record to the store.
type Discovery struct {
	Key       artifact.Key
	Name      string
	DependsOn []artifact.Key
}

// Run is one entry of the run ledger.
type Run struct {
	ID         string
	Project    string
	Direction  artifact.Direction
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
}

// Store is the durable record of one (project, direction) migration.
//
// Every status write is a single autocommit statement executed under the store
// mutex with synchronous=FULL, so it is on disk before the call returns.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	project   string
	direction artifact.Direction
	now       func() time.Time
}

// Open creates or opens the store file at path scoped to project and direction.
func Open(path string, project string, direction artifact.Direction) (*Store, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, fmt.Errorf("%w: missing project", ErrInvalidScope)
	}
	if _, err := artifact.ParseDirection(string(direction)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create store dir: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init schema: %w", err)
	}

	return &Store{
		db:        db,
		path:      path,
		project:   project,
		direction: direction,
		now:       time.Now,
	}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Discover inserts Pending records for keys not seen before. Existing records
// keep their status; names and dependencies of unfinished records are refreshed.
func (s *Store) Discover(ctx context.Context, items ...Discovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin discover: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM records WHERE project = ? AND direction = ?",
		s.project, string(s.direction),
	).Scan(&seq); err != nil {
		return fmt.Errorf("state: read seq: %w", err)
	}

	now := s.now().UnixNano()
	for _, item := range items {
		if _, err := artifact.ParseKey(string(item.Key)); err != nil {
			return err
		}
		deps := joinKeys(item.DependsOn)
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET name = ?, depends_on = ?, updated_at = ?
			 WHERE project = ? AND direction = ? AND key = ? AND status != ?`,
			item.Name, deps, now, s.project, string(s.direction), string(item.Key),
			string(artifact.StatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("state: refresh %s: %w", item.Key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		seq++
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO records
			 (project, direction, key, kind, name, status, depends_on, seq, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.project, string(s.direction), string(item.Key), string(item.Key.Kind()),
			item.Name, string(artifact.StatusPending), deps, seq, now,
		); err != nil {
			return fmt.Errorf("state: insert %s: %w", item.Key, err)
		}
	}
	return tx.Commit()
}

// Retire deletes unfinished records whose key is not in current and returns
// the retired keys. Completed records are kept.
func (s *Store) Retire(ctx context.Context, current []artifact.Key) ([]artifact.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	keep := make(map[artifact.Key]bool, len(current))
	for _, k := range current {
		keep[k] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("state: begin retire: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT key FROM records WHERE project = ? AND direction = ? AND status != ? ORDER BY seq, key`,
		s.project, string(s.direction), string(artifact.StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("state: list unfinished: %w", err)
	}
	var stale []artifact.Key
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("state: scan key: %w", err)
		}
		if !keep[artifact.Key(key)] {
			stale = append(stale, artifact.Key(key))
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("state: list unfinished: %w", err)
	}
	rows.Close()

	for _, key := range stale {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE project = ? AND direction = ? AND key = ?",
			s.project, string(s.direction), string(key),
		); err != nil {
			return nil, fmt.Errorf("state: retire %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("state: commit retire: %w", err)
	}
	return stale, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, key artifact.Key) (artifact.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return artifact.Record{}, false, ErrStoreClosed
	}
	return s.getLocked(ctx, key)
}

// List returns all records in discovery order.
func (s *Store) List(ctx context.Context) ([]artifact.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, name, status, attempts, last_error, target_id, depends_on, seq, updated_at
		 FROM records WHERE project = ? AND direction = ? ORDER BY seq, key`,
		s.project, string(s.direction),
	)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	defer rows.Close()

	out := make([]artifact.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Start moves a record to InProgress and counts the attempt.
func (s *Store) Start(ctx context.Context, key artifact.Key) (artifact.Record, error) {
	return s.transition(ctx, key, artifact.StatusInProgress, "", "")
}

// Complete marks a record Completed once its side effect is confirmed.
func (s *Store) Complete(ctx context.Context, key artifact.Key, targetID string) (artifact.Record, error) {
	return s.transition(ctx, key, artifact.StatusCompleted, "", targetID)
}

// Fail marks a record Failed with the captured cause.
func (s *Store) Fail(ctx context.Context, key artifact.Key, cause error) (artifact.Record, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, key, artifact.StatusFailed, msg, "")
}

func (s *Store) transition(
	ctx context.Context,
	key artifact.Key,
	to artifact.Status,
	lastError string,
	targetID string,
) (artifact.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return artifact.Record{}, ErrStoreClosed
	}

	current, ok, err := s.getLocked(ctx, key)
	if err != nil {
		return artifact.Record{}, err
	}
	if !ok {
		return artifact.Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, key)
	}
	if !artifact.CanTransition(current.Status, to) {
		return artifact.Record{}, fmt.Errorf(
			"%w: key=%s from=%s to=%s", artifact.ErrInvalidTransition, key, current.Status, to,
		)
	}

	next := current.Clone()
	next.Status = to
	next.UpdatedAt = s.now()
	switch to {
	case artifact.StatusInProgress:
		next.Attempts++
		next.LastError = ""
	case artifact.StatusCompleted:
		next.LastError = ""
		if targetID != "" {
			next.TargetID = targetID
		}
	case artifact.StatusFailed:
		next.LastError = lastError
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, attempts = ?, last_error = ?, target_id = ?, updated_at = ?
		 WHERE project = ? AND direction = ? AND key = ?`,
		string(next.Status), next.Attempts, next.LastError, next.TargetID, next.UpdatedAt.UnixNano(),
		s.project, string(s.direction), string(key),
	); err != nil {
		return artifact.Record{}, fmt.Errorf("state: write %s: %w", key, err)
	}
	return next, nil
}

// RecoverInterrupted marks records left InProgress by a killed process as Failed.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, last_error = ?, updated_at = ?
		 WHERE project = ? AND direction = ? AND status = ?`,
		string(artifact.StatusFailed), InterruptedCause, s.now().UnixNano(),
		s.project, string(s.direction), string(artifact.StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("state: recover interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// BeginRun appends a run to the ledger.
func (s *Store) BeginRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, project, direction, started_at) VALUES (?, ?, ?, ?)",
		runID, s.project, string(s.direction), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("state: begin run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?",
		s.now().UnixNano(), outcome, runID,
	)
	if err != nil {
		return fmt.Errorf("state: finish run %s: %w", runID, err)
	}
	return nil
}

// Runs returns the run ledger, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, outcome FROM runs
		 WHERE project = ? AND direction = ? ORDER BY started_at, run_id`,
		s.project, string(s.direction),
	)
	if err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		var (
			run               Run
			started, finished int64
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.Outcome); err != nil {
			return nil, fmt.Errorf("state: scan run: %w", err)
		}
		run.Project = s.project
		run.Direction = s.direction
		run.StartedAt = time.Unix(0, started)
		if finished > 0 {
			run.FinishedAt = time.Unix(0, finished)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) getLocked(ctx context.Context, key artifact.Key) (artifact.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, kind, name, status, attempts, last_error, target_id, depends_on, seq, updated_at
		 FROM records WHERE project = ? AND direction = ? AND key = ?`,
		s.project, string(s.direction), string(key),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Record{}, false, nil
	}
	if err != nil {
		return artifact.Record{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (artifact.Record, error) {
	var (
		rec                     artifact.Record
		key, kind, status, deps string
		updated                 int64
	)
	if err := row.Scan(
		&key, &kind, &rec.Name, &status, &rec.Attempts, &rec.LastError,
		&rec.TargetID, &deps, &rec.Seq, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return artifact.Record{}, err
		}
		return artifact.Record{}, fmt.Errorf("state: scan record: %w", err)
	}
	st, err := artifact.ParseStatus(status)
	if err != nil {
		return artifact.Record{}, err
	}
	rec.Key = artifact.Key(key)
	rec.Kind = artifact.Kind(kind)
	rec.Status = st
	rec.DependsOn = splitKeys(deps)
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, nil
}

func joinKeys(keys []artifact.Key) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ",")
}

func splitKeys(raw string) []artifact.Key {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]artifact.Key, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, artifact.Key(p))
		}
	}
	return out
}
