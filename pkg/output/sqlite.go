package output

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Sternrassler/gh-harvest/pkg/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	started_at          TIMESTAMP,
	finished_at         TIMESTAMP,
	accounts_succeeded  INTEGER NOT NULL,
	accounts_failed     INTEGER NOT NULL,
	accounts_ineligible INTEGER NOT NULL,
	projects_collected  INTEGER NOT NULL,
	batches_failed      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	owner       TEXT NOT NULL,
	name        TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	full_name   TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL,
	stars       INTEGER NOT NULL,
	forks       INTEGER NOT NULL,
	watchers    INTEGER NOT NULL,
	open_issues INTEGER NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	topics      TEXT NOT NULL DEFAULT '',
	fork        INTEGER NOT NULL,
	archived    INTEGER NOT NULL,
	created_at  TIMESTAMP,
	updated_at  TIMESTAMP,
	pushed_at   TIMESTAMP,
	owner_kind  TEXT NOT NULL DEFAULT '',
	owner_location TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name)
);

CREATE INDEX IF NOT EXISTS idx_projects_stars ON projects(stars DESC);

CREATE TABLE IF NOT EXISTS failures (
	run_id   TEXT NOT NULL,
	login    TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	reason   TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, login)
);
`

// SQLiteWriter stores results in a SQLite database. A project key is
// stored once; later runs do not overwrite it.
type SQLiteWriter struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" works
// for tests.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	// One connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return &SQLiteWriter{
		db:     db,
		logger: log.With().Str("component", "output-sqlite").Logger(),
	}, nil
}

// DB exposes the underlying database.
func (w *SQLiteWriter) DB() *sql.DB {
	return w.db
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

// Write implements Writer. Everything is written in one transaction.
func (w *SQLiteWriter) Write(ctx context.Context, res *coordinator.Result) (err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	s := res.Summary
	if _, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_at, finished_at, accounts_succeeded, accounts_failed,
			accounts_ineligible, projects_collected, batches_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, nullTime(s.StartedAt), nullTime(s.FinishedAt), s.AccountsSucceeded, s.AccountsFailed,
		s.AccountsIneligible, len(res.Projects), s.BatchesFailed,
	); err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO projects (owner, name, run_id, full_name, description, url, stars, forks,
			watchers, open_issues, language, topics, fork, archived, created_at, updated_at, pushed_at,
			owner_kind, owner_location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare projects: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range res.Projects {
		r, err := stmt.ExecContext(ctx,
			p.Owner, p.Name, res.RunID, p.FullName, p.Description, p.URL, p.Stars, p.Forks,
			p.Watchers, p.OpenIssues, p.Language, strings.Join(p.Topics, ","), p.Fork, p.Archived,
			nullTime(p.CreatedAt), nullTime(p.UpdatedAt), nullTime(p.PushedAt),
			string(p.OwnerRef.Kind), p.OwnerRef.Location,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert project %s: %w", p.Key(), err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			inserted++
		}
	}

	for _, f := range s.Failures {
		if _, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO failures (run_id, login, batch_id, reason, detail)
			VALUES (?, ?, ?, ?, ?)`,
			res.RunID, f.Login, f.BatchID, string(f.Reason), f.Detail,
		); err != nil {
			return fmt.Errorf("sqlite: insert failure %s: %w", f.Login, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	w.logger.Info().
		Str("run_id", res.RunID).
		Int("projects", len(res.Projects)).
		Int("inserted", inserted).
		Msg("Result stored")
	return nil
}

// CountProjects returns the number of stored projects.
func (w *SQLiteWriter) CountProjects(ctx context.Context) (int, error) {
	var n int
	if err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count projects: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
