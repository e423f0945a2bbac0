// Package history keeps a SQLite ledger of deployment runs so `airbcm
// history` can show what ran, against which simulation, and how it ended.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airbcm/internal/logging"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// FileName is created inside the log directory.
const FileName = "history.db"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Run is one deploy invocation.
type Run struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	SimulationID   string
	SimulationName string
	BCMVersion     string
	Namespace      string
	LastStep       string
	Error          string
	Resumed        bool
}

// Duration is zero for unfinished runs.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the SQLite-backed ledger.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("History ledger open at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL,
		simulation_id TEXT,
		simulation_name TEXT,
		bcm_version TEXT,
		namespace TEXT,
		last_step TEXT,
		error TEXT,
		resumed INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_simulation ON runs(simulation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a new running run. A missing ID is generated.
func (s *Store) Start(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	r.Status = StatusRunning

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, simulation_id, simulation_name, bcm_version, namespace, last_step, resumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixMilli(), r.Status, r.SimulationID, r.SimulationName,
		r.BCMVersion, r.Namespace, r.LastStep, boolInt(r.Resumed))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Update stores the simulation identity and BCM version once known. Empty
// values leave the column unchanged.
func (s *Store) Update(ctx context.Context, id, simID, simName, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			simulation_id = COALESCE(NULLIF(?, ''), simulation_id),
			simulation_name = COALESCE(NULLIF(?, ''), simulation_name),
			bcm_version = COALESCE(NULLIF(?, ''), bcm_version)
		WHERE id = ?`, simID, simName, version, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return requireRow(res)
}

// Finish closes a run with its final status.
func (s *Store) Finish(ctx context.Context, id, status, lastStep string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, last_step = ?, error = ?
		WHERE id = ?`, s.now().UnixMilli(), status, lastStep, msg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireRow(res)
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	rows, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// Recent returns the latest n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	return s.query(ctx, `ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
}

// ForSimulation returns every run that touched simID, newest first.
func (s *Store) ForSimulation(ctx context.Context, simID string) ([]Run, error) {
	return s.query(ctx, `WHERE simulation_id = ? ORDER BY started_at DESC, rowid DESC`, simID)
}

func (s *Store) query(ctx context.Context, tail string, args ...any) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, simulation_id, simulation_name,
		       bcm_version, namespace, last_step, error, resumed
		FROM runs `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                                      Run
			started                                int64
			finished                               sql.NullInt64
			simID, simName, version, ns, step, msg sql.NullString
			resumed                                int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &simID, &simName,
			&version, &ns, &step, &msg, &resumed); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		r.SimulationID = simID.String
		r.SimulationName = simName.String
		r.BCMVersion = version.String
		r.Namespace = ns.String
		r.LastStep = step.String
		r.Error = msg.String
		r.Resumed = resumed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
