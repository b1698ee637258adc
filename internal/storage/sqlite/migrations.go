package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/util"
)

type migration struct {
	version int
	stmts   []string
	// after runs once stmts are applied, inside the same transaction.
	after func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(lower(email));`,
			`CREATE TABLE IF NOT EXISTS user_roles (
				user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
				role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user'))
			);`,
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);`,
			`CREATE TABLE IF NOT EXISTS project_stages (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				order_position INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_stages_project ON project_stages(project_id, order_position);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				stage_id TEXT NOT NULL REFERENCES project_stages(id) ON DELETE CASCADE,
				title TEXT NOT NULL,
				description_html TEXT NOT NULL DEFAULT '',
				done INTEGER NOT NULL DEFAULT 0,
				order_position INTEGER NOT NULL,
				deadline_date TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(stage_id, order_position)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);`,
			`CREATE TABLE IF NOT EXISTS task_attachments (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				file_name TEXT NOT NULL,
				file_path TEXT NOT NULL UNIQUE,
				file_size INTEGER NOT NULL DEFAULT 0,
				mime_type TEXT NOT NULL DEFAULT '',
				created_by TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_task ON task_attachments(task_id);`,
			`CREATE TABLE IF NOT EXISTS task_comments (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				author_id TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id);`,
			`CREATE TABLE IF NOT EXISTS project_labels (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				name TEXT NOT NULL
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_labels_project_name ON project_labels(project_id, lower(trim(name)));`,
			`CREATE TABLE IF NOT EXISTS task_labels (
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				label_id TEXT NOT NULL REFERENCES project_labels(id) ON DELETE CASCADE,
				PRIMARY KEY (task_id, label_id)
			);`,
			`CREATE TABLE IF NOT EXISTS project_members (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(project_id, user_id)
			);`,
			`CREATE TABLE IF NOT EXISTS task_activity_logs (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				task_id TEXT NOT NULL DEFAULT '',
				actor_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				details TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_project ON task_activity_logs(project_id, created_at);`,
		},
	},
	{
		// SQLite lower() folds ASCII only, so name comparison keys are
		// computed in Go and stored next to the name.
		version: 2,
		stmts: []string{
			`ALTER TABLE project_labels ADD COLUMN name_key TEXT NOT NULL DEFAULT '';`,
			`ALTER TABLE projects ADD COLUMN name_key TEXT NOT NULL DEFAULT '';`,
			`DROP INDEX IF EXISTS idx_labels_project_name;`,
		},
		after: backfillNameKeys,
	},
}

type namedRow struct {
	ID     string `db:"id"`
	Parent string `db:"parent"`
	Name   string `db:"name"`
}

// backfillNameKeys fills name_key for existing labels and projects and
// indexes it. Labels whose keys collide are merged into the oldest one.
func backfillNameKeys(tx *sqlx.Tx) error {
	var labels []namedRow
	if err := tx.Select(&labels, `SELECT id, project_id AS parent, name FROM project_labels ORDER BY rowid`); err != nil {
		return fmt.Errorf("read labels: %w", err)
	}
	kept := make(map[[2]string]string, len(labels))
	for _, l := range labels {
		k := [2]string{l.Parent, util.NormalizeName(l.Name)}
		keep, dup := kept[k]
		if !dup {
			kept[k] = l.ID
			if _, err := tx.Exec(`UPDATE project_labels SET name_key = ? WHERE id = ?`, k[1], l.ID); err != nil {
				return fmt.Errorf("set label key: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_labels(task_id, label_id) SELECT task_id, ? FROM task_labels WHERE label_id = ?`, keep, l.ID); err != nil {
			return fmt.Errorf("merge label %s: %w", l.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM task_labels WHERE label_id = ?`, l.ID); err != nil {
			return fmt.Errorf("merge label %s: %w", l.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM project_labels WHERE id = ?`, l.ID); err != nil {
			return fmt.Errorf("merge label %s: %w", l.ID, err)
		}
	}

	var projects []namedRow
	if err := tx.Select(&projects, `SELECT id, owner_id AS parent, name FROM projects`); err != nil {
		return fmt.Errorf("read projects: %w", err)
	}
	for _, p := range projects {
		if _, err := tx.Exec(`UPDATE projects SET name_key = ? WHERE id = ?`, util.NormalizeName(p.Name), p.ID); err != nil {
			return fmt.Errorf("set project key: %w", err)
		}
	}

	if _, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_labels_project_key ON project_labels(project_id, name_key)`); err != nil {
		return fmt.Errorf("index label keys: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_projects_owner_key ON projects(owner_id, name_key)`); err != nil {
		return fmt.Errorf("index project keys: %w", err)
	}
	return nil
}

// migrate applies every migration newer than the recorded schema version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w", m.version, err)
			}
		}
		if m.after != nil {
			if err := m.after(tx); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
		s.logger.Debug("applied migration", "version", m.version)
	}
	return nil
}
