package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/opibuild/internal/paths"
	_ "modernc.org/sqlite"
)

// StageOutcome is the persisted form of one stage result.
type StageOutcome struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Run is one audited build. It is never read back to resume a build.
type Run struct {
	ID            string         `json:"id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	State         string         `json:"state"`
	ExitCode      int            `json:"exit_code"`
	Release       string         `json:"release"`
	Codename      string         `json:"codename"`
	KernelVersion string         `json:"kernel_version"`
	KernelFlavor  string         `json:"kernel_flavor,omitempty"`
	Flavor        string         `json:"distro"`
	ImagePath     string         `json:"image_path,omitempty"`
	Stages        []StageOutcome `json:"stages"`
}

type Options struct {
	DBPath string
}

type Store struct {
	dbPath string

	mu sync.Mutex
}

func Open(opts Options) (*Store, error) {
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		var err error
		dbPath, err = paths.HistoryDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve history database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory for %q: %w", dbPath, err)
	}

	s := &Store{dbPath: dbPath}
	if err := s.initDB(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.dbPath
}

// Record inserts run, replacing an earlier record with the same ID.
func (s *Store) Record(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stage outcomes for %s: %w", run.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (
			id,
			started_at_unix,
			finished_at_unix,
			state,
			exit_code,
			release,
			codename,
			kernel_version,
			kernel_flavor,
			flavor,
			image_path,
			stages_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at_unix = excluded.finished_at_unix,
			state = excluded.state,
			exit_code = excluded.exit_code,
			kernel_flavor = excluded.kernel_flavor,
			image_path = excluded.image_path,
			stages_json = excluded.stages_json
	`,
		run.ID,
		run.StartedAt.Unix(),
		run.FinishedAt.Unix(),
		run.State,
		run.ExitCode,
		run.Release,
		run.Codename,
		run.KernelVersion,
		run.KernelFlavor,
		run.Flavor,
		run.ImagePath,
		string(stagesJSON),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, selectRuns+`
		ORDER BY started_at_unix DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return Run{}, false, err
	}
	defer db.Close()

	run, err := scanRun(db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	return run, true, nil
}

// Last returns the most recently started run.
func (s *Store) Last(ctx context.Context) (Run, bool, error) {
	runs, err := s.List(ctx, 1)
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[0], true, nil
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database %q: %w", s.dbPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at_unix INTEGER NOT NULL,
			finished_at_unix INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			release TEXT NOT NULL,
			codename TEXT NOT NULL,
			kernel_version TEXT NOT NULL,
			kernel_flavor TEXT NOT NULL,
			flavor TEXT NOT NULL,
			image_path TEXT NOT NULL,
			stages_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at_unix);
	`)
	if err != nil {
		return fmt.Errorf("initialise history schema: %w", err)
	}
	return nil
}

const selectRuns = `
	SELECT
		id,
		started_at_unix,
		finished_at_unix,
		state,
		exit_code,
		release,
		codename,
		kernel_version,
		kernel_flavor,
		flavor,
		image_path,
		stages_json
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run        Run
		started    int64
		finished   int64
		stagesJSON string
	)
	if err := s.Scan(
		&run.ID,
		&started,
		&finished,
		&run.State,
		&run.ExitCode,
		&run.Release,
		&run.Codename,
		&run.KernelVersion,
		&run.KernelFlavor,
		&run.Flavor,
		&run.ImagePath,
		&stagesJSON,
	); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	run.FinishedAt = time.Unix(finished, 0).UTC()
	if strings.TrimSpace(stagesJSON) != "" && stagesJSON != "null" {
		if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
			return Run{}, fmt.Errorf("parse stage outcomes for %s: %w", run.ID, err)
		}
	}
	return run, nil
}
