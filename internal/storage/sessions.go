package storage

import (
	"database/sql"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// SessionStatus is the closed set of session lifecycle states (created
// "status (active | handoff_ready | expired | terminated)").
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionHandoff   SessionStatus = "handoff_ready"
	SessionExpired   SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// Session mirrors the sessions table.
type Session struct {
	ID              string
	ProjectID       string
	Source          string // "claude_code" | "gemini" | "codex" | ...
	Status          SessionStatus
	StartedAt       string
	Title           string
	Summary         string
	TokenCount      int
	CostUSD         float64
	Autonomous      bool
	ParentSessionID string
	TranscriptPath  string
	UpdatedAt       string
}

// SessionManager implements session CRUD and the chaining lookup used by
// the autonomous loop's find_parent_session action.
type SessionManager struct{ s *Store }

// Create registers a new session row.
func (m *SessionManager) Create(id, projectID, source string, autonomous bool, parentSessionID string) (*Session, error) {
	now := nowRFC3339()
	_, err := m.s.write(
		`INSERT INTO sessions (id, project_id, source, status, started_at, token_count, cost_usd, autonomous, parent_session_id, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		id, projectID, source, string(SessionActive), now, boolToInt(autonomous), nullIfEmpty(parentSessionID), now,
	)
	if err != nil {
		return nil, err
	}
	m.s.publish(ChangeEvent{Entity: "session", EntityID: id, Operation: "create", ProjectID: projectID})
	return m.Get(id)
}

// Get reads a session by id.
func (m *SessionManager) Get(id string) (*Session, error) {
	row := m.s.readConn().QueryRow(
		`SELECT id, project_id, source, status, started_at, COALESCE(title,''), COALESCE(summary,''),
			token_count, cost_usd, autonomous, COALESCE(parent_session_id,''),
			COALESCE(transcript_path,''), updated_at
			FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var status string
	var autonomous int
	if err := row.Scan(
		&s.ID, &s.ProjectID, &s.Source, &status, &s.StartedAt, &s.Title, &s.Summary,
		&s.TokenCount, &s.CostUSD, &autonomous, &s.ParentSessionID, &s.TranscriptPath, &s.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "session not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan session", err)
	}
	s.Status = SessionStatus(status)
	s.Autonomous = autonomous != 0
	return &s, nil
}

// SetStatus transitions a session's status (e.g. to handoff_ready when a
// handoff action runs, or expired/terminated at session end).
func (m *SessionManager) SetStatus(id string, status SessionStatus) error {
	now := nowRFC3339()
	if _, err := m.s.write(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id); err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "session", EntityID: id, Operation: "update"})
	return nil
}

// SetTitleAndSummary records the synthesized title/summary.
func (m *SessionManager) SetTitleAndSummary(id, title, summary string) error {
	now := nowRFC3339()
	_, err := m.s.write(`UPDATE sessions SET title = ?, summary = ?, updated_at = ? WHERE id = ?`, title, summary, now, id)
	return err
}

// RecordUsage accumulates token count and cost, called after every model
// turn the session proxies.
func (m *SessionManager) RecordUsage(id string, tokens int, costUSD float64) error {
	_, err := m.s.write(
		`UPDATE sessions SET token_count = token_count + ?, cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		tokens, costUSD, nowRFC3339(), id,
	)
	return err
}

// SetTranscriptPath remembers where the CLI writes this session's
// transcript, so the lifecycle sweep can process it after session end.
func (m *SessionManager) SetTranscriptPath(id, path string) error {
	_, err := m.s.write(
		`UPDATE sessions SET transcript_path = ?, updated_at = ? WHERE id = ?`,
		path, nowRFC3339(), id,
	)
	return err
}

// FindParent walks the parent_session_id chain one level up, for the
// find_parent_session action.
func (m *SessionManager) FindParent(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if s.ParentSessionID == "" {
		return nil, gobbyerr.New(gobbyerr.NotFound, "session has no parent")
	}
	return m.Get(s.ParentSessionID)
}

// ListHandoffReady lists sessions in handoff_ready status for projectID,
// the set the session lifecycle manager's handoff scan
// consumes to spawn continuation sessions.
func (m *SessionManager) ListHandoffReady(projectID string) ([]*Session, error) {
	rows, err := m.s.readConn().Query(
		`SELECT id FROM sessions WHERE project_id = ? AND status = ? ORDER BY updated_at ASC`,
		projectID, string(SessionHandoff),
	)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list handoff-ready sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan session id", err)
		}
		ids = append(ids, id)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ExpireIdleBefore marks still-active sessions whose last update is
// older than cutoff as expired, the reaper's bulk form. Returns how
// many sessions were expired.
func (m *SessionManager) ExpireIdleBefore(cutoff string) (int, error) {
	res, err := m.s.write(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(SessionExpired), nowRFC3339(), string(SessionActive), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.s.publish(ChangeEvent{Entity: "session", Operation: "update"})
	}
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
