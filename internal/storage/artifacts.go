package storage

import (
	"database/sql"
	"strconv"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// Artifact mirrors the artifacts table: free-form content a workflow captures during a
// session — a plan, a summary, a design note — searchable later via FTS5.
type Artifact struct {
	ID           int64
	SessionID    string
	ArtifactType string
	Title        string
	Content      string
	FilePath     string
	CreatedAt    string
}

// ArtifactManager implements capture/read/search over artifacts. The
// FTS5 index is an external-content table (content='artifacts',
// content_rowid='id') kept in sync by triggers.
type ArtifactManager struct{ s *Store }

// Capture stores a new artifact and emits a change event that the search
// index listener treats as a cue to mark itself fresh — the
// FTS5 sync triggers already keep the index itself current; the event is
// for higher-level listeners like the JSONL exporter.
func (m *ArtifactManager) Capture(sessionID, artifactType, title, content, filePath string) (*Artifact, error) {
	now := nowRFC3339()
	res, err := m.s.write(
		`INSERT INTO artifacts (session_id, artifact_type, title, content, file_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, artifactType, title, content, nullIfEmpty(filePath), now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "read artifact id", err)
	}
	m.s.publish(ChangeEvent{Entity: "artifact", EntityID: idToStr(id), Operation: "create"})
	return &Artifact{ID: id, SessionID: sessionID, ArtifactType: artifactType, Title: title, Content: content, FilePath: filePath, CreatedAt: now}, nil
}

// Get reads a single artifact by id, for read_artifact.
func (m *ArtifactManager) Get(id int64) (*Artifact, error) {
	row := m.s.readConn().QueryRow(
		`SELECT id, session_id, artifact_type, title, content, COALESCE(file_path,''), created_at
			FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row)
}

func scanArtifact(row *sql.Row) (*Artifact, error) {
	var a Artifact
	if err := row.Scan(&a.ID, &a.SessionID, &a.ArtifactType, &a.Title, &a.Content, &a.FilePath, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "artifact not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan artifact", err)
	}
	return &a, nil
}

// LatestByType returns the most recently captured artifact of artifactType
// for sessionID, the common case for read_artifact("plan") etc.
func (m *ArtifactManager) LatestByType(sessionID, artifactType string) (*Artifact, error) {
	row := m.s.readConn().QueryRow(
		`SELECT id, session_id, artifact_type, title, content, COALESCE(file_path,''), created_at
			FROM artifacts WHERE session_id = ? AND artifact_type = ? ORDER BY id DESC LIMIT 1`,
		sessionID, artifactType,
	)
	return scanArtifact(row)
}

// Search runs a full-text query over artifact titles and content via the
// artifacts_fts virtual table, scoped to projectID through a join back to
// sessions.
func (m *ArtifactManager) Search(projectID, query string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.s.readConn().Query(
		`SELECT a.id, a.session_id, a.artifact_type, a.title, a.content, COALESCE(a.file_path,''), a.created_at
			FROM artifacts_fts f
			JOIN artifacts a ON a.id = f.rowid
			JOIN sessions s ON s.id = a.session_id
			WHERE artifacts_fts MATCH ? AND s.project_id = ?
			ORDER BY rank LIMIT ?`,
		query, projectID, limit,
	)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "search artifacts", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ArtifactType, &a.Title, &a.Content, &a.FilePath, &a.CreatedAt); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan search result", err)
		}
		out = append(out, &a)
	}
	return out, nil
}

func idToStr(id int64) string {
	return strconv.FormatInt(id, 10)
}
