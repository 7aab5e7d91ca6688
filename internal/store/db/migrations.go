package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned, forward-only schema change. Statements run in
// order inside a single transaction together with the user_version bump.
//
// A shipped migration is never edited. Installations that already applied it
// will not run it again, so any change goes into a new, higher version.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// MigrationState is the lifecycle state of one migration during a run.
type MigrationState int

const (
	MigrationUnapplied MigrationState = iota
	MigrationApplying
	MigrationApplied
	MigrationFailed
)

func (s MigrationState) String() string {
	switch s {
	case MigrationUnapplied:
		return "unapplied"
	case MigrationApplying:
		return "applying"
	case MigrationApplied:
		return "applied"
	case MigrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MigrationResult reports what happened to one migration.
type MigrationResult struct {
	Version  int
	Name     string
	State    MigrationState
	Duration time.Duration
	Err      error
}

// LatestVersion is the version a fully migrated database reports.
func LatestVersion() int {
	return Migrations[len(Migrations)-1].Version
}

// SchemaVersion returns the highest applied migration (PRAGMA user_version).
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.do(ctx, func() error {
		var err error
		v, err = userVersion(ctx, db.conn)
		return err
	})
	return v, err
}

// RunMigrations applies every migration newer than the stored schema version,
// in ascending order. On failure the version stays at the last migration
// that succeeded and the error wraps ErrMigration; the failed migration is
// retried on the next run.
func (db *DB) RunMigrations(ctx context.Context) ([]MigrationResult, error) {
	var results []MigrationResult
	err := db.do(ctx, func() error {
		var err error
		results, err = runMigrations(ctx, db.conn, Migrations, db.log)
		return err
	})
	return results, err
}

type migrationLogger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

func runMigrations(ctx context.Context, conn *sql.Conn, list []Migration, log migrationLogger) ([]MigrationResult, error) {
	current, err := userVersion(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read schema version: %w", ErrMigration, err)
	}

	results := make([]MigrationResult, len(list))
	for i, m := range list {
		results[i] = MigrationResult{Version: m.Version, Name: m.Name, State: MigrationUnapplied}
		if m.Version <= current {
			results[i].State = MigrationApplied
		}
	}

	for i, m := range list {
		if m.Version <= current {
			continue
		}
		if m.Version != current+1 {
			results[i].State = MigrationFailed
			results[i].Err = fmt.Errorf("version %d does not follow %d", m.Version, current)
			return results, fmt.Errorf("%w: %d %s: %v", ErrMigration, m.Version, m.Name, results[i].Err)
		}

		results[i].State = MigrationApplying
		start := time.Now()
		err := applyMigration(ctx, conn, m)
		results[i].Duration = time.Since(start)
		if err != nil {
			results[i].State = MigrationFailed
			results[i].Err = err
			log.Errorf("migration %d (%s) failed: %v", m.Version, m.Name, err)
			return results, fmt.Errorf("%w: %d %s: %w", ErrMigration, m.Version, m.Name, err)
		}

		results[i].State = MigrationApplied
		current = m.Version
		log.Infof("applied migration %d (%s) in %s", m.Version, m.Name, results[i].Duration)
	}
	return results, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, m Migration) error {
	return runTx(ctx, conn, func(ctx context.Context, tx *Tx) error {
		for i, stmt := range m.Statements {
			if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		return nil
	})
}

func userVersion(ctx context.Context, q queryer) (int, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var v int
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return 0, err
		}
	}
	return v, rows.Err()
}

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// Migrations is the ordered, append-only schema history.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "base schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS dropdown_options (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL CHECK (type IN ('priority', 'product_area', 'project_status')),
				label TEXT NOT NULL,
				sort_order INTEGER NOT NULL DEFAULT 0,
				color TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_dropdown_options_type ON dropdown_options(type, sort_order)`,

			`CREATE TABLE IF NOT EXISTS projects (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'Green' CHECK (status IN ('Red', 'Amber', 'Green')),
				priority_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL,
				product_area_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL,
				status_comment TEXT NOT NULL DEFAULT '',
				stakeholders TEXT NOT NULL DEFAULT '[]',
				ticket_links TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL DEFAULT (` + nowExpr + `),
				updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)`,

			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'in_progress', 'done')),
				priority_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL,
				start_date TEXT,
				due_date TEXT,
				created_at TEXT NOT NULL DEFAULT (` + nowExpr + `),
				updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

			`CREATE TABLE IF NOT EXISTS work_log_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				note TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_work_log_project ON work_log_entries(project_id, created_at)`,

			`CREATE VIRTUAL TABLE IF NOT EXISTS fts_index USING fts5(
				content,
				source_type UNINDEXED,
				source_id UNINDEXED,
				project_id UNINDEXED
			)`,

			`CREATE TRIGGER IF NOT EXISTS projects_touch_updated_at
			AFTER UPDATE ON projects FOR EACH ROW
			WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE projects SET updated_at = ` + nowExpr + ` WHERE id = NEW.id;
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_touch_updated_at
			AFTER UPDATE ON tasks FOR EACH ROW
			WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE tasks SET updated_at = ` + nowExpr + ` WHERE id = NEW.id;
			END`,

			`CREATE TRIGGER IF NOT EXISTS projects_fts_insert
			AFTER INSERT ON projects
			BEGIN
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' ||
					COALESCE(NEW.status_comment, '') || ' ' ||
					COALESCE(NEW.stakeholders, '') || ' ' || COALESCE(NEW.ticket_links, ''),
					'project', NEW.id, NEW.id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS projects_fts_update
			AFTER UPDATE OF title, description, status_comment, stakeholders, ticket_links ON projects
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'project' AND source_id = OLD.id;
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' ||
					COALESCE(NEW.status_comment, '') || ' ' ||
					COALESCE(NEW.stakeholders, '') || ' ' || COALESCE(NEW.ticket_links, ''),
					'project', NEW.id, NEW.id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS projects_fts_delete
			AFTER DELETE ON projects
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'project' AND source_id = OLD.id;
				DELETE FROM fts_index WHERE project_id = OLD.id;
			END`,

			`CREATE TRIGGER IF NOT EXISTS tasks_fts_insert
			AFTER INSERT ON tasks
			BEGIN
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' || COALESCE(NEW.notes, ''),
					'task', NEW.id, NEW.project_id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_update
			AFTER UPDATE OF title, description, notes, project_id ON tasks
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'task' AND source_id = OLD.id;
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' || COALESCE(NEW.notes, ''),
					'task', NEW.id, NEW.project_id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_delete
			AFTER DELETE ON tasks
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'task' AND source_id = OLD.id;
			END`,
		},
	},
	{
		Version: 2,
		Name:    "project status option and due date",
		Statements: []string{
			`ALTER TABLE projects ADD COLUMN project_status_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL`,
			`ALTER TABLE projects ADD COLUMN due_date TEXT`,
		},
	},
	{
		Version: 3,
		Name:    "inbox tasks",
		Statements: []string{
			`CREATE TABLE tasks_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				project_id INTEGER REFERENCES projects(id) ON DELETE CASCADE,
				area_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'in_progress', 'done')),
				priority_id INTEGER REFERENCES dropdown_options(id) ON DELETE SET NULL,
				start_date TEXT,
				due_date TEXT,
				pre_archive_status TEXT CHECK (pre_archive_status IS NULL OR pre_archive_status IN ('open', 'in_progress', 'done')),
				created_at TEXT NOT NULL DEFAULT (` + nowExpr + `),
				updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
			)`,
			`INSERT INTO tasks_new (id, project_id, title, description, notes, status, priority_id, start_date, due_date, created_at, updated_at)
			SELECT id, project_id, title, description, notes, status, priority_id, start_date, due_date, created_at, updated_at
			FROM tasks`,
			`DROP TABLE tasks`,
			`ALTER TABLE tasks_new RENAME TO tasks`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

			`CREATE TRIGGER IF NOT EXISTS tasks_touch_updated_at
			AFTER UPDATE ON tasks FOR EACH ROW
			WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE tasks SET updated_at = ` + nowExpr + ` WHERE id = NEW.id;
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_insert
			AFTER INSERT ON tasks
			BEGIN
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' || COALESCE(NEW.notes, ''),
					'task', NEW.id, NEW.project_id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_update
			AFTER UPDATE OF title, description, notes, project_id ON tasks
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'task' AND source_id = OLD.id;
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (
					NEW.title || ' ' || COALESCE(NEW.description, '') || ' ' || COALESCE(NEW.notes, ''),
					'task', NEW.id, NEW.project_id
				);
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_delete
			AFTER DELETE ON tasks
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'task' AND source_id = OLD.id;
			END`,

			// Resync task index rows; the copy above ran without triggers.
			`DELETE FROM fts_index WHERE source_type = 'task'`,
			`INSERT INTO fts_index (content, source_type, source_id, project_id)
			SELECT title || ' ' || COALESCE(description, '') || ' ' || COALESCE(notes, ''), 'task', id, project_id
			FROM tasks`,
		},
	},
	{
		Version: 4,
		Name:    "work log search",
		Statements: []string{
			`CREATE TRIGGER IF NOT EXISTS work_log_fts_insert
			AFTER INSERT ON work_log_entries
			BEGIN
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (NEW.note, 'work_log', NEW.id, NEW.project_id);
			END`,
			`CREATE TRIGGER IF NOT EXISTS work_log_fts_update
			AFTER UPDATE OF note, project_id ON work_log_entries
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'work_log' AND source_id = OLD.id;
				INSERT INTO fts_index (content, source_type, source_id, project_id)
				VALUES (NEW.note, 'work_log', NEW.id, NEW.project_id);
			END`,
			`CREATE TRIGGER IF NOT EXISTS work_log_fts_delete
			AFTER DELETE ON work_log_entries
			BEGIN
				DELETE FROM fts_index WHERE source_type = 'work_log' AND source_id = OLD.id;
			END`,
			`INSERT INTO fts_index (content, source_type, source_id, project_id)
			SELECT w.note, 'work_log', w.id, w.project_id
			FROM work_log_entries w
			WHERE NOT EXISTS (
				SELECT 1 FROM fts_index f WHERE f.source_type = 'work_log' AND f.source_id = w.id
			)`,
		},
	},
	{
		Version: 5,
		Name:    "effective task area",
		Statements: []string{
			`CREATE VIEW IF NOT EXISTS task_effective_area AS
			SELECT t.id AS task_id,
				CASE WHEN t.project_id IS NULL THEN t.area_id ELSE p.product_area_id END AS area_id
			FROM tasks t
			LEFT JOIN projects p ON p.id = t.project_id`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_area ON tasks(area_id)`,
			`CREATE INDEX IF NOT EXISTS idx_projects_area ON projects(product_area_id)`,
		},
	},
}
