package mesh

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// History records every finished run and its clusters in SQLite
type History struct {
	db *sql.DB
}

// RunSummary is one row of the run history
type RunSummary struct {
	RunID        string        `json:"runId"`
	Generation   uint64        `json:"generation"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Options      Options       `json:"options"`
	EntityCount  int           `json:"entityCount"`
	ClusterCount int           `json:"clusterCount"`
	Error        string        `json:"error,omitempty"`
}

// OpenHistory opens or creates the history database at path
func OpenHistory(path string) (*History, error) {
	if path == "" {
		return nil, fmt.Errorf("empty history db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initHistoryPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

func initHistoryPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initHistorySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			radius REAL NOT NULL,
			sort_mode TEXT NOT NULL,
			descending INTEGER NOT NULL,
			ref_x INTEGER NOT NULL,
			ref_y INTEGER NOT NULL,
			ref_z INTEGER NOT NULL,
			entity_count INTEGER NOT NULL,
			cluster_count INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS clusters (
			run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			cluster_id INTEGER NOT NULL,
			size INTEGER NOT NULL,
			volume_blocks INTEGER NOT NULL,
			member_key TEXT NOT NULL,
			PRIMARY KEY (run_id, cluster_id)
		);`,
		`CREATE INDEX IF NOT EXISTS clusters_member_key ON clusters(member_key);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordRun stores a finished run. Clusters are stored for published runs
// only. Recording the same run twice replaces the earlier row.
func (h *History) RecordRun(ctx context.Context, report *RunReport) error {
	if report == nil {
		return fmt.Errorf("nil run report")
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	o := report.Options
	for _, q := range []string{`DELETE FROM clusters WHERE run_id = ?`, `DELETE FROM runs WHERE run_id = ?`} {
		if _, err := tx.ExecContext(ctx, q, report.RunID); err != nil {
			return fmt.Errorf("record run %s: %w", report.RunID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
			run_id, generation, status, started_at, duration_ns,
			radius, sort_mode, descending, ref_x, ref_y, ref_z,
			entity_count, cluster_count, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, int64(report.Generation), string(report.Status),
		report.StartedAt.UnixNano(), int64(report.Duration),
		o.Radius, string(o.SortMode), boolToInt(o.Descending),
		o.Reference.X, o.Reference.Y, o.Reference.Z,
		report.EntityCount, report.ClusterCount, report.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", report.RunID, err)
	}

	if report.Status == StatusPublished && report.Result != nil {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO clusters
			(run_id, cluster_id, size, volume_blocks, member_key) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, c := range report.Result.Clusters {
			if _, err := stmt.ExecContext(ctx, report.RunID, c.ID, c.Size(), len(c.Volume), c.Key()); err != nil {
				return fmt.Errorf("record cluster %d of run %s: %w", c.ID, report.RunID, err)
			}
		}
	}

	return tx.Commit()
}

const runColumns = `r.run_id, r.generation, r.status, r.started_at, r.duration_ns,
	r.radius, r.sort_mode, r.descending, r.ref_x, r.ref_y, r.ref_z,
	r.entity_count, r.cluster_count, r.error`

// RecentRuns returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.generation DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return scanRuns(rows)
}

// RunsContaining returns the published runs that produced a cluster with
// exactly the member set identified by key, newest first.
func (h *History) RunsContaining(ctx context.Context, key string) ([]RunSummary, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT DISTINCT `+runColumns+` FROM runs r
		JOIN clusters c ON c.run_id = r.run_id
		WHERE c.member_key = ?
		ORDER BY r.started_at DESC, r.generation DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("query runs containing %q: %w", key, err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]RunSummary, error) {
	defer func() { _ = rows.Close() }()

	out := make([]RunSummary, 0)
	for rows.Next() {
		var (
			s          RunSummary
			gen        int64
			status     string
			startedAt  int64
			durationNs int64
			sortMode   string
			descending int
		)
		if err := rows.Scan(&s.RunID, &gen, &status, &startedAt, &durationNs,
			&s.Options.Radius, &sortMode, &descending,
			&s.Options.Reference.X, &s.Options.Reference.Y, &s.Options.Reference.Z,
			&s.EntityCount, &s.ClusterCount, &s.Error); err != nil {
			return nil, err
		}
		s.Generation = uint64(gen)
		s.Status = RunStatus(status)
		s.StartedAt = time.Unix(0, startedAt).UTC()
		s.Duration = time.Duration(durationNs)
		s.Options.SortMode = SortMode(sortMode)
		s.Options.Descending = descending != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
