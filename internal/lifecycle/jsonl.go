package lifecycle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobby-dev/gobby/internal/storage"
)

// taskRecord is the on-disk shape of one tasks.jsonl line: the task row
// with its dependency edges embedded, one JSON object per line.
type taskRecord struct {
	ID           string           `json:"id"`
	PlatformID   string           `json:"platform_id,omitempty"`
	ProjectID    string           `json:"project_id"`
	ParentTaskID string           `json:"parent_task_id,omitempty"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Status       string           `json:"status"`
	Priority     int              `json:"priority"`
	TaskType     string           `json:"task_type"`
	Labels       []string         `json:"labels"`
	Dependencies []dependencyEdge `json:"dependencies"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	ClosedReason string           `json:"closed_reason,omitempty"`
}

type dependencyEdge struct {
	DependsOn string `json:"depends_on"`
	DepType   string `json:"dep_type"`
}

// ExportTasksJSONL writes the full task ledger for projectID to path,
// replacing the file atomically via a temp-file rename.
func ExportTasksJSONL(store *storage.Store, projectID, path string) error {
	tasks, err := store.Tasks.ListByStatus(projectID, "")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tasks-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for _, t := range tasks {
		deps, err := store.Tasks.Dependencies(t.ID)
		if err != nil {
			tmp.Close()
			return err
		}
		edges := make([]dependencyEdge, 0, len(deps))
		for _, d := range deps {
			edges = append(edges, dependencyEdge{DependsOn: d.DependsOn, DepType: string(d.DepType)})
		}
		rec := taskRecord{
			ID: t.ID, ProjectID: t.ProjectID, ParentTaskID: t.ParentTaskID,
			Title: t.Title, Description: t.Description, Status: string(t.Status),
			Priority: t.Priority, TaskType: t.TaskType, Labels: t.Labels,
			Dependencies: edges,
			CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339),
			ClosedReason: t.ClosedReason,
		}
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ImportTasksJSONL merges records from path into the store: merge is by
// id with last-write-wins on updated_at, and a record absent from the
// file never deletes an existing DB row. Returns how many records were
// read.
func ImportTasksJSONL(store *storage.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	imported := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec taskRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return imported, fmt.Errorf("tasks.jsonl: malformed line: %w", err)
		}

		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		updatedAt, _ := time.Parse(time.RFC3339, rec.UpdatedAt)
		t := &storage.Task{
			ID: rec.ID, ProjectID: rec.ProjectID, ParentTaskID: rec.ParentTaskID,
			Title: rec.Title, Description: rec.Description,
			Status: storage.TaskStatus(rec.Status), Priority: rec.Priority,
			TaskType: rec.TaskType, Labels: rec.Labels,
			Commits: []string{}, ValidationHistory: []string{},
			ClosedReason: rec.ClosedReason,
			CreatedAt:    createdAt, UpdatedAt: updatedAt,
		}
		if err := store.Tasks.Upsert(t); err != nil {
			return imported, err
		}
		for _, edge := range rec.Dependencies {
			if err := store.Tasks.AddDependency(rec.ID, edge.DependsOn, storage.DependencyType(edge.DepType)); err != nil {
				// A duplicate or now-cyclic edge from a stale ledger is
				// not worth failing the whole import over.
				continue
			}
		}
		imported++
	}
	return imported, scanner.Err()
}
