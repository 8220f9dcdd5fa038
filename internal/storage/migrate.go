package storage

import (
	"fmt"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// migration is one versioned, monotonic schema step.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered schema history. Both the project DB and the
// hub DB apply the same migrations independently — the hub
// is a superset-shaped mirror, not a different schema, so that rows can
// be copied across verbatim.
var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				uuid TEXT,
				root_path TEXT NOT NULL,
				created_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				source TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				started_at TEXT NOT NULL,
				title TEXT,
				summary TEXT,
				token_count INTEGER NOT NULL DEFAULT 0,
				cost_usd REAL NOT NULL DEFAULT 0,
				autonomous INTEGER NOT NULL DEFAULT 0,
				parent_session_id TEXT,
				updated_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
			CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

			CREATE TABLE IF NOT EXISTS workflow_states (
				session_id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				phase TEXT NOT NULL,
				phase_entered_at TEXT NOT NULL,
				phase_action_count INTEGER NOT NULL DEFAULT 0,
				total_action_count INTEGER NOT NULL DEFAULT 0,
				artifacts TEXT NOT NULL DEFAULT '{}',
				observations TEXT NOT NULL DEFAULT '[]',
				variables TEXT NOT NULL DEFAULT '{}',
				current_task_index INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS workflow_handoffs (
				session_id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				parent_task_id TEXT,
				discovered_in_session_id TEXT,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open',
				priority INTEGER NOT NULL DEFAULT 2,
				task_type TEXT NOT NULL DEFAULT 'task',
				labels TEXT NOT NULL DEFAULT '[]',
				commits TEXT NOT NULL DEFAULT '[]',
				validation_history TEXT NOT NULL DEFAULT '[]',
				expansion_status TEXT NOT NULL DEFAULT '',
				external_tracker TEXT,
				external_ref TEXT,
				closed_reason TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
			CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
			CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

			CREATE TABLE IF NOT EXISTS task_dependencies (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL,
				depends_on_task_id TEXT NOT NULL,
				dep_type TEXT NOT NULL,
				created_at TEXT NOT NULL,
				UNIQUE(task_id, depends_on_task_id, dep_type)
			);
			CREATE INDEX IF NOT EXISTS idx_taskdeps_task ON task_dependencies(task_id);
			CREATE INDEX IF NOT EXISTS idx_taskdeps_depends_on ON task_dependencies(depends_on_task_id);

			CREATE TABLE IF NOT EXISTS rules (
				name TEXT PRIMARY KEY,
				tier INTEGER NOT NULL,
				definition TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS stop_signals (
				session_id TEXT PRIMARY KEY,
				reason TEXT NOT NULL,
				source TEXT NOT NULL,
				issued_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS artifacts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				artifact_type TEXT NOT NULL,
				title TEXT NOT NULL,
				content TEXT NOT NULL,
				file_path TEXT,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);

			CREATE VIRTUAL TABLE IF NOT EXISTS artifacts_fts USING fts5(
				title, content, content='artifacts', content_rowid='id'
			);

			CREATE TRIGGER IF NOT EXISTS artifacts_ai AFTER INSERT ON artifacts BEGIN
				INSERT INTO artifacts_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
			END;
			CREATE TRIGGER IF NOT EXISTS artifacts_ad AFTER DELETE ON artifacts BEGIN
				INSERT INTO artifacts_fts(artifacts_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
			END;
			CREATE TRIGGER IF NOT EXISTS artifacts_au AFTER UPDATE ON artifacts BEGIN
				INSERT INTO artifacts_fts(artifacts_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
				INSERT INTO artifacts_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
			END;
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				session_id TEXT,
				memory_type TEXT NOT NULL DEFAULT 'note',
				title TEXT NOT NULL,
				content TEXT NOT NULL,
				tags TEXT NOT NULL DEFAULT '[]',
				topic_key TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
			CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_topic
				ON memories(project_id, topic_key) WHERE topic_key IS NOT NULL;

			CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
				id UNINDEXED, title, content, tokenize='porter unicode61'
			);
		`,
	},
	{
		version: 3,
		sql: `
			ALTER TABLE sessions ADD COLUMN transcript_path TEXT;
		`,
	},
}

// migrate applies every migration with a version greater than the
// highest already-recorded version, in order. Migration failure on the
// project DB is fatal for that project; the caller decides
// what "fatal" means (daemon refuses to start vs. disables hub writes).
func (d *DB) migrate() error {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (datetime('now')))`); err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "create schema_migrations table", err)
	}

	current := 0
	row := d.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "read schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := d.conn.Begin()
		if err != nil {
			return gobbyerr.Wrap(gobbyerr.StorageError, "begin migration transaction", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return gobbyerr.Wrap(gobbyerr.StorageError, fmt.Sprintf("apply migration %d", m.version), err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return gobbyerr.Wrap(gobbyerr.StorageError, fmt.Sprintf("record migration %d", m.version), err)
		}
		if err := tx.Commit(); err != nil {
			return gobbyerr.Wrap(gobbyerr.StorageError, fmt.Sprintf("commit migration %d", m.version), err)
		}
		if d.log != nil {
			d.log.Info("applied migration %d to %s", m.version, d.path)
		}
	}
	return nil
}
