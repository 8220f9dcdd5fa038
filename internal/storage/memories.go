package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// Memory is one persistent memory row: a decision, pattern, or note
// captured during a session and recallable across sessions. Rows with a
// TopicKey are upserted in place so a recurring topic keeps one evolving
// record instead of accumulating duplicates.
type Memory struct {
	ID         string
	ProjectID  string
	SessionID  string
	MemoryType string
	Title      string
	Content    string
	Tags       []string
	TopicKey   string
	CreatedAt  string
	UpdatedAt  string
	DeletedAt  string
}

// MemoryManager provides CRUD and full-text search over memories, backed
// by the dual-write store like every other entity manager.
type MemoryManager struct{ s *Store }

// AddMemoryParams collects the caller-supplied fields for Add.
type AddMemoryParams struct {
	ProjectID  string
	SessionID  string
	MemoryType string
	Title      string
	Content    string
	Tags       []string
	TopicKey   string
}

// Add inserts a memory, or updates the existing row in place when
// params.TopicKey matches a live memory in the same project.
func (m *MemoryManager) Add(params AddMemoryParams) (*Memory, error) {
	if params.Title == "" || params.Content == "" {
		return nil, gobbyerr.New(gobbyerr.InvalidInput, "memory title and content are required")
	}
	if params.MemoryType == "" {
		params.MemoryType = "note"
	}

	if params.TopicKey != "" {
		existing, err := m.byTopicKey(params.ProjectID, params.TopicKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return m.update(existing.ID, params)
		}
	}

	id, err := GenerateUniqueRef("gm", params.ProjectID, func(ref string) (bool, error) {
		var n int
		err := m.s.readConn().QueryRow(`SELECT COUNT(1) FROM memories WHERE id = ?`, ref).Scan(&n)
		return n > 0, err
	})
	if err != nil {
		if gobbyerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "allocate memory id", err)
	}

	tags, _ := json.Marshal(orEmpty(params.Tags))
	now := nowRFC3339()
	_, err = m.s.write(
		`INSERT INTO memories (id, project_id, session_id, memory_type, title, content, tags, topic_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, params.ProjectID, nullIfEmpty(params.SessionID), params.MemoryType,
		params.Title, params.Content, string(tags), nullIfEmpty(params.TopicKey), now, now,
	)
	if err != nil {
		return nil, err
	}
	if _, err := m.s.write(
		`INSERT INTO memories_fts (id, title, content) VALUES (?, ?, ?)`,
		id, params.Title, params.Content,
	); err != nil {
		return nil, err
	}
	m.s.publish(ChangeEvent{Entity: "memory", EntityID: id, Operation: "create", ProjectID: params.ProjectID})
	return m.Get(id)
}

func (m *MemoryManager) update(id string, params AddMemoryParams) (*Memory, error) {
	tags, _ := json.Marshal(orEmpty(params.Tags))
	now := nowRFC3339()
	if _, err := m.s.write(
		`UPDATE memories SET memory_type = ?, title = ?, content = ?, tags = ?, updated_at = ? WHERE id = ?`,
		params.MemoryType, params.Title, params.Content, string(tags), now, id,
	); err != nil {
		return nil, err
	}
	if _, err := m.s.write(`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := m.s.write(
		`INSERT INTO memories_fts (id, title, content) VALUES (?, ?, ?)`,
		id, params.Title, params.Content,
	); err != nil {
		return nil, err
	}
	m.s.publish(ChangeEvent{Entity: "memory", EntityID: id, Operation: "update", ProjectID: params.ProjectID})
	return m.Get(id)
}

func (m *MemoryManager) byTopicKey(projectID, topicKey string) (*Memory, error) {
	row := m.s.readConn().QueryRow(
		memorySelect+` WHERE project_id = ? AND topic_key = ? AND deleted_at IS NULL`,
		projectID, topicKey)
	mem, err := scanMemory(row)
	if gobbyerr.Is(err, gobbyerr.NotFound) {
		return nil, nil
	}
	return mem, err
}

const memorySelect = `SELECT id, project_id, COALESCE(session_id,''), memory_type, title, content,
	tags, COALESCE(topic_key,''), created_at, updated_at, COALESCE(deleted_at,'') FROM memories`

// Get reads a memory by id, including soft-deleted rows so import
// tooling can reason about tombstones.
func (m *MemoryManager) Get(id string) (*Memory, error) {
	row := m.s.readConn().QueryRow(memorySelect+` WHERE id = ?`, id)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (*Memory, error) {
	var mem Memory
	var tags string
	if err := row.Scan(
		&mem.ID, &mem.ProjectID, &mem.SessionID, &mem.MemoryType, &mem.Title,
		&mem.Content, &tags, &mem.TopicKey, &mem.CreatedAt, &mem.UpdatedAt, &mem.DeletedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "memory not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan memory", err)
	}
	_ = json.Unmarshal([]byte(tags), &mem.Tags)
	return &mem, nil
}

// List returns every live memory for projectID, newest first.
func (m *MemoryManager) List(projectID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.s.readConn().Query(
		`SELECT id FROM memories WHERE project_id = ? AND deleted_at IS NULL
			ORDER BY updated_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list memories", err)
	}
	defer rows.Close()
	return m.collect(rows)
}

func (m *MemoryManager) collect(rows *sql.Rows) ([]*Memory, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan memory id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		mem, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, nil
}

// ListAll returns every memory row for projectID including tombstones,
// oldest first — the export path needs deletions to propagate.
func (m *MemoryManager) ListAll(projectID string) ([]*Memory, error) {
	rows, err := m.s.readConn().Query(
		`SELECT id FROM memories WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list all memories", err)
	}
	defer rows.Close()
	return m.collect(rows)
}

// Search runs an FTS match over titles and contents, scoped to
// projectID, best matches first.
func (m *MemoryManager) Search(projectID, query string, limit int) ([]*Memory, error) {
	if query == "" {
		return nil, gobbyerr.New(gobbyerr.InvalidInput, "search query is required")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.s.readConn().Query(
		`SELECT f.id FROM memories_fts f
			JOIN memories m ON m.id = f.id
			WHERE memories_fts MATCH ? AND m.project_id = ? AND m.deleted_at IS NULL
			ORDER BY rank LIMIT ?`,
		ftsQuote(query), projectID, limit)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "search memories", err)
	}
	defer rows.Close()
	return m.collect(rows)
}

// Delete soft-deletes a memory, leaving a tombstone so JSONL sync can
// propagate the deletion.
func (m *MemoryManager) Delete(id string) error {
	mem, err := m.Get(id)
	if err != nil {
		return err
	}
	now := nowRFC3339()
	if _, err := m.s.write(
		`UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id,
	); err != nil {
		return err
	}
	if _, err := m.s.write(`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "memory", EntityID: id, Operation: "delete", ProjectID: mem.ProjectID})
	return nil
}

// Upsert applies an imported memory record verbatim, keeping whichever
// side has the newer updated_at. Used by JSONL import; does not allocate
// a fresh id.
func (m *MemoryManager) Upsert(mem *Memory) error {
	existing, err := m.Get(mem.ID)
	if err != nil && !gobbyerr.Is(err, gobbyerr.NotFound) {
		return err
	}
	if existing != nil && existing.UpdatedAt >= mem.UpdatedAt {
		return nil
	}

	tags, _ := json.Marshal(orEmpty(mem.Tags))
	if _, err := m.s.write(
		`INSERT INTO memories (id, project_id, session_id, memory_type, title, content, tags, topic_key, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				memory_type = excluded.memory_type, title = excluded.title,
				content = excluded.content, tags = excluded.tags,
				updated_at = excluded.updated_at, deleted_at = excluded.deleted_at`,
		mem.ID, mem.ProjectID, nullIfEmpty(mem.SessionID), mem.MemoryType, mem.Title,
		mem.Content, string(tags), nullIfEmpty(mem.TopicKey), mem.CreatedAt, mem.UpdatedAt,
		nullIfEmpty(mem.DeletedAt),
	); err != nil {
		return err
	}
	if _, err := m.s.write(`DELETE FROM memories_fts WHERE id = ?`, mem.ID); err != nil {
		return err
	}
	if mem.DeletedAt == "" {
		if _, err := m.s.write(
			`INSERT INTO memories_fts (id, title, content) VALUES (?, ?, ?)`,
			mem.ID, mem.Title, mem.Content,
		); err != nil {
			return err
		}
	}
	m.s.publish(ChangeEvent{Entity: "memory", EntityID: mem.ID, Operation: "upsert", ProjectID: mem.ProjectID})
	return nil
}

func orEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// ftsQuote wraps each term in double quotes so user queries with
// punctuation don't hit FTS5 syntax errors.
func ftsQuote(query string) string {
	quoted := ""
	start := -1
	flush := func(end int) {
		if start >= 0 {
			if quoted != "" {
				quoted += " "
			}
			quoted += fmt.Sprintf("%q", query[start:end])
			start = -1
		}
	}
	for i, r := range query {
		if r == ' ' || r == '\t' || r == '\n' {
			flush(i)
		} else if start < 0 {
			start = i
		}
	}
	flush(len(query))
	if quoted == "" {
		return `""`
	}
	return quoted
}
