package storage

import (
	"database/sql"
	"path/filepath"
	"strings"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// ProjectDBFile and HubDBFile are the on-disk database filenames.
const (
	ProjectDBFile = "gobby.db"
	HubDBFile     = "gobby-hub.db"
)

// Store is the dual-write persistent store: reads always
// target the project database; writes apply to the project database
// first, then best-effort to the hub database. The project database is
// always the source of truth — a hub failure is logged and never fails
// the caller's request.
type Store struct {
	ProjectID string

	project *DB
	hub     *DB // nil if the hub is disabled (e.g. migration failure)

	Bus *ChangeBus
	log *gobbylog.Logger

	Tasks     *TaskManager
	Sessions  *SessionManager
	Workflows *WorkflowStateManager
	Rules     *RuleManager
	Artifacts *ArtifactManager
	Stops     *StopSignalManager
	Memories  *MemoryManager
}

// Open creates the project DB at <projectDir>/.gobby/gobby.db and the hub
// DB at hubPath (typically ~/.gobby/gobby-hub.db), migrating both
// independently. A hub migration failure disables hub writes for the
// remainder of the process and is logged, not fatal; a
// project migration failure is returned as a fatal error — the daemon
// refuses to start serving that project.
func Open(projectDir, projectID, hubPath string, log *gobbylog.Logger) (*Store, error) {
	projectDBPath := filepath.Join(projectDir, ".gobby", ProjectDBFile)
	project, err := openSQLite(projectDBPath, log.With("project-db"))
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "open project database", err)
	}

	var hub *DB
	if hubPath != "" {
		hub, err = openSQLite(hubPath, log.With("hub-db"))
		if err != nil {
			log.Warn("hub database unavailable, disabling hub writes: %v", err)
			hub = nil
		}
	}

	bus := NewChangeBus(log.With("change-bus"))

	s := &Store{
		ProjectID: projectID,
		project:   project,
		hub:       hub,
		Bus:       bus,
		log:       log,
	}
	s.Tasks = &TaskManager{s: s}
	s.Sessions = &SessionManager{s: s}
	s.Workflows = &WorkflowStateManager{s: s}
	s.Rules = &RuleManager{s: s}
	s.Artifacts = &ArtifactManager{s: s}
	s.Stops = &StopSignalManager{s: s}
	s.Memories = &MemoryManager{s: s}

	if _, err := project.conn.Exec(
		`INSERT OR IGNORE INTO projects(id, root_path, created_at) VALUES (?, ?, datetime('now'))`,
		projectID, projectDir,
	); err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "register project row", err)
	}

	return s, nil
}

// Close closes both databases and the change bus.
func (s *Store) Close() error {
	s.Bus.Close()
	if s.hub != nil {
		s.hub.Close()
	}
	return s.project.Close()
}

// HubEnabled reports whether hub mirroring is currently active.
func (s *Store) HubEnabled() bool { return s.hub != nil }

// readConn returns the connection reads always target.
func (s *Store) readConn() *sql.DB { return s.project.Conn() }

// write applies query/args to the project DB (fatal on error) then, if
// the hub is enabled, mirrors the same statement to the hub DB
// (best-effort: logged and non-fatal on failure).
func (s *Store) write(query string, args ...any) (sql.Result, error) {
	res, err := s.project.Conn().Exec(query, args...)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "project db write", err)
	}
	if s.hub != nil {
		if _, hubErr := s.hub.Conn().Exec(query, args...); hubErr != nil {
			s.log.Warn("hub db write failed (non-fatal, project db is source of truth): %v", hubErr)
		}
	}
	return res, nil
}

// hubMirroredTables are the entity tables the hub aggregates across
// projects.
var hubMirroredTables = []string{"projects", "sessions", "tasks", "task_dependencies", "memories"}

// ReconcileHub re-mirrors every row of the aggregated tables into the
// hub database with INSERT OR REPLACE, recovering rows whose original
// mirror write failed while the hub was unwritable. Returns the number
// of rows pushed. A disabled hub is a no-op.
func (s *Store) ReconcileHub() (int, error) {
	if s.hub == nil {
		return 0, nil
	}
	pushed := 0
	for _, table := range hubMirroredTables {
		n, err := s.mirrorTable(table)
		if err != nil {
			return pushed, err
		}
		pushed += n
	}
	return pushed, nil
}

func (s *Store) mirrorTable(table string) (int, error) {
	rows, err := s.project.Conn().Query(`SELECT * FROM ` + table)
	if err != nil {
		return 0, gobbyerr.Wrap(gobbyerr.StorageError, "read "+table+" for reconciliation", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, gobbyerr.Wrap(gobbyerr.StorageError, "columns of "+table, err)
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insert := `INSERT OR REPLACE INTO ` + table + ` (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(placeholders, ", ") + `)`

	pushed := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return pushed, gobbyerr.Wrap(gobbyerr.StorageError, "scan "+table+" row", err)
		}
		if _, err := s.hub.Conn().Exec(insert, values...); err != nil {
			s.log.Warn("hub reconciliation of %s failed (will retry next sweep): %v", table, err)
			return pushed, nil
		}
		pushed++
	}
	return pushed, rows.Err()
}

// publish emits a change event on the bus; a no-op if Bus is nil (tests
// that don't care about listeners can skip wiring one).
func (s *Store) publish(ev ChangeEvent) {
	if s.Bus != nil {
		s.Bus.Publish(ev)
	}
}
