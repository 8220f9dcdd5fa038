package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// TaskStatus is the closed set of task lifecycle states (open ->
// in_progress -> closed|escalated, with reopen edges).
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskClosed     TaskStatus = "closed"
	TaskEscalated  TaskStatus = "escalated"
)

// DependencyType is the closed set of task-dependency relationships ("blocks"
// dependencies must stay acyclic; "related" and "discovered-from" are
// informational and never participate in cycle detection or readiness
// gating).
type DependencyType string

const (
	DepBlocks         DependencyType = "blocks"
	DepRelated        DependencyType = "related"
	DepDiscoveredFrom DependencyType = "discovered-from"
)

// Task mirrors the tasks table.
type Task struct {
	ID                     string
	ProjectID              string
	ParentTaskID           string
	DiscoveredInSessionID  string
	Title                  string
	Description            string
	Status                 TaskStatus
	Priority               int
	TaskType               string
	Labels                 []string
	Commits                []string
	ValidationHistory      []string
	ExpansionStatus        string
	ExternalTracker        string
	ExternalRef            string
	ClosedReason           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TaskManager implements task CRUD and the dependency graph backing
// persist_tasks, close_task, and mark_todo_complete.
type TaskManager struct{ s *Store }

// Create allocates a new task with a generated short ref and emits a
// "create" change event.
func (m *TaskManager) Create(projectID, title, description, taskType string, priority int) (*Task, error) {
	id, err := GenerateUniqueRef("gt", projectID, func(ref string) (bool, error) {
		var n int
		err := m.s.readConn().QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, ref).Scan(&n)
		return n > 0, err
	})
	if err != nil {
		if gobbyerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "allocate task id", err)
	}

	now := nowRFC3339()
	t := &Task{
		ID: id, ProjectID: projectID, Title: title, Description: description,
		Status: TaskOpen, Priority: priority, TaskType: taskType,
		Labels: []string{}, Commits: []string{}, ValidationHistory: []string{},
	}

	_, err = m.s.write(
		`INSERT INTO tasks (id, project_id, title, description, status, priority, task_type,
			labels, commits, validation_history, expansion_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '[]', '[]', '[]', '', ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.Priority, t.TaskType, now, now,
	)
	if err != nil {
		return nil, err
	}
	m.s.publish(ChangeEvent{Entity: "task", EntityID: t.ID, Operation: "create", ProjectID: projectID})
	return m.Get(t.ID)
}

// Get reads a task by id from the project DB (reads always target
// project).
func (m *TaskManager) Get(id string) (*Task, error) {
	row := m.s.readConn().QueryRow(
		`SELECT id, project_id, COALESCE(parent_task_id,''), COALESCE(discovered_in_session_id,''),
			title, description, status, priority, task_type, labels, commits, validation_history,
			expansion_status, COALESCE(external_tracker,''), COALESCE(external_ref,''),
			COALESCE(closed_reason,''), created_at, updated_at
			FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var status, labels, commits, history string
	var createdAt, updatedAt string
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.ParentTaskID, &t.DiscoveredInSessionID,
		&t.Title, &t.Description, &status, &t.Priority, &t.TaskType,
		&labels, &commits, &history, &t.ExpansionStatus, &t.ExternalTracker,
		&t.ExternalRef, &t.ClosedReason, &createdAt, &updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "task not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan task", err)
	}
	t.Status = TaskStatus(status)
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	_ = json.Unmarshal([]byte(commits), &t.Commits)
	_ = json.Unmarshal([]byte(history), &t.ValidationHistory)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

// ListByStatus lists all tasks for projectID with the given status, or
// every task regardless of status if status is "".
func (m *TaskManager) ListByStatus(projectID string, status TaskStatus) ([]*Task, error) {
	query := `SELECT id FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC, created_at ASC`

	rows, err := m.s.readConn().Query(query, args...)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list tasks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan task id", err)
		}
		ids = append(ids, id)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// SetStatus transitions a task's status and emits an "update" change
// event. Closing a task records closedReason.
func (m *TaskManager) SetStatus(id string, status TaskStatus, closedReason string) error {
	now := nowRFC3339()
	var err error
	if closedReason != "" {
		_, err = m.s.write(`UPDATE tasks SET status = ?, closed_reason = ?, updated_at = ? WHERE id = ?`,
			string(status), closedReason, now, id)
	} else {
		_, err = m.s.write(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	}
	if err != nil {
		return err
	}
	t, getErr := m.Get(id)
	projectID := ""
	if getErr == nil {
		projectID = t.ProjectID
	}
	m.s.publish(ChangeEvent{Entity: "task", EntityID: id, Operation: "update", ProjectID: projectID})
	return nil
}

// AddDependency records that taskID depends on dependsOnID with depType,
// rejecting the edge if it would introduce a cycle among "blocks"
// dependencies.
// "related" dependencies are informational and never cycle-checked.
func (m *TaskManager) AddDependency(taskID, dependsOnID string, depType DependencyType) error {
	if taskID == dependsOnID {
		return gobbyerr.New(gobbyerr.InvalidInput, "a task cannot depend on itself")
	}
	if depType == DepBlocks {
		cyclic, err := m.wouldCycle(taskID, dependsOnID)
		if err != nil {
			return err
		}
		if cyclic {
			return gobbyerr.New(gobbyerr.InvalidInput, fmt.Sprintf("adding dependency %s -> %s would create a cycle", taskID, dependsOnID))
		}
	}
	now := nowRFC3339()
	_, err := m.s.write(
		`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id, dep_type, created_at) VALUES (?, ?, ?, ?)`,
		taskID, dependsOnID, string(depType), now,
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "task_dependency", EntityID: taskID, Operation: "create"})
	return nil
}

// wouldCycle reports whether adding the edge taskID -> dependsOnID to the
// "blocks" subgraph would create a cycle: true if dependsOnID can already
// reach taskID by following existing "blocks" edges (a DFS from
// dependsOnID over depends_on_task_id -> task_id, since the new edge's
// target reaching back to its own source is exactly a cycle).
func (m *TaskManager) wouldCycle(taskID, dependsOnID string) (bool, error) {
	visited := map[string]bool{}
	var visit func(node string) (bool, error)
	visit = func(node string) (bool, error) {
		if node == taskID {
			return true, nil
		}
		if visited[node] {
			return false, nil
		}
		visited[node] = true

		rows, err := m.s.readConn().Query(
			`SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? AND dep_type = ?`,
			node, string(DepBlocks),
		)
		if err != nil {
			return false, gobbyerr.Wrap(gobbyerr.StorageError, "walk dependency graph", err)
		}
		defer rows.Close()

		var next []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return false, gobbyerr.Wrap(gobbyerr.StorageError, "scan dependency edge", err)
			}
			next = append(next, n)
		}
		for _, n := range next {
			found, err := visit(n)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
		return false, nil
	}
	return visit(dependsOnID)
}

// Ready returns every open task for projectID whose "blocks" dependencies
// are all closed — the set a workflow's task-scheduling actions
// pull from.
func (m *TaskManager) Ready(projectID string) ([]*Task, error) {
	open, err := m.ListByStatus(projectID, TaskOpen)
	if err != nil {
		return nil, err
	}
	var ready []*Task
	for _, t := range open {
		blocked, err := m.isBlocked(t.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

func (m *TaskManager) isBlocked(taskID string) (bool, error) {
	rows, err := m.s.readConn().Query(
		`SELECT d.depends_on_task_id, t.status FROM task_dependencies d
			JOIN tasks t ON t.id = d.depends_on_task_id
			WHERE d.task_id = ? AND d.dep_type = ?`, taskID, string(DepBlocks))
	if err != nil {
		return false, gobbyerr.Wrap(gobbyerr.StorageError, "check blocking dependencies", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID, status string
		if err := rows.Scan(&depID, &status); err != nil {
			return false, gobbyerr.Wrap(gobbyerr.StorageError, "scan blocking dependency", err)
		}
		if status != string(TaskClosed) {
			return true, nil
		}
	}
	return false, nil
}

// Dependency is one edge of the task graph as seen from the dependent
// task.
type Dependency struct {
	DependsOn string
	DepType   DependencyType
}

// Dependencies lists taskID's outgoing dependency edges.
func (m *TaskManager) Dependencies(taskID string) ([]Dependency, error) {
	rows, err := m.s.readConn().Query(
		`SELECT depends_on_task_id, dep_type FROM task_dependencies WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list dependencies", err)
	}
	defer rows.Close()

	var deps []Dependency
	for rows.Next() {
		var d Dependency
		var depType string
		if err := rows.Scan(&d.DependsOn, &depType); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan dependency", err)
		}
		d.DepType = DependencyType(depType)
		deps = append(deps, d)
	}
	return deps, nil
}

// Upsert applies an imported task record with last-write-wins semantics
// on UpdatedAt: an older import against a newer DB row is a no-op, an
// absent import leaves the DB row untouched by construction.
func (m *TaskManager) Upsert(t *Task) error {
	existing, err := m.Get(t.ID)
	if err != nil && !gobbyerr.Is(err, gobbyerr.NotFound) {
		return err
	}
	if existing != nil && !existing.UpdatedAt.Before(t.UpdatedAt) {
		return nil
	}

	labels, _ := json.Marshal(t.Labels)
	commits, _ := json.Marshal(t.Commits)
	history, _ := json.Marshal(t.ValidationHistory)
	_, err = m.s.write(
		`INSERT INTO tasks (id, project_id, parent_task_id, discovered_in_session_id, title, description,
			status, priority, task_type, labels, commits, validation_history, expansion_status,
			closed_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				parent_task_id = excluded.parent_task_id, title = excluded.title,
				description = excluded.description, status = excluded.status,
				priority = excluded.priority, task_type = excluded.task_type,
				labels = excluded.labels, commits = excluded.commits,
				validation_history = excluded.validation_history,
				closed_reason = excluded.closed_reason, updated_at = excluded.updated_at`,
		t.ID, t.ProjectID, nullIfEmpty(t.ParentTaskID), nullIfEmpty(t.DiscoveredInSessionID),
		t.Title, t.Description, string(t.Status), t.Priority, t.TaskType,
		string(labels), string(commits), string(history), t.ExpansionStatus,
		nullIfEmpty(t.ClosedReason),
		t.CreatedAt.UTC().Format(time.RFC3339), t.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "task", EntityID: t.ID, Operation: "upsert", ProjectID: t.ProjectID})
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }
