package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// WorkflowState mirrors the workflow_states table: the
// per-session persisted state a workflow engine resumes from on every
// hook invocation — current phase, accumulated variables, captured
// artifacts, and the observation log rule observers append to.
type WorkflowState struct {
	SessionID        string
	WorkflowName     string
	Phase            string
	PhaseEnteredAt   string
	PhaseActionCount int
	TotalActionCount int
	Artifacts        map[string]string
	Observations     []string
	Variables        map[string]any
	CurrentTaskIndex int
}

// WorkflowHandoff mirrors the workflow_handoffs table.
type WorkflowHandoff struct {
	SessionID    string
	WorkflowName string
	Payload      map[string]any
	CreatedAt    string
}

// WorkflowStateManager persists WorkflowState. Phase names and their
// graph come from the loaded workflow definition, not from here — this
// layer only guarantees the row round-trips.
type WorkflowStateManager struct{ s *Store }

// Start creates the initial workflow_states row when a session first
// enters a workflow.
func (m *WorkflowStateManager) Start(sessionID, workflowName, initialPhase string) (*WorkflowState, error) {
	now := nowRFC3339()
	ws := &WorkflowState{
		SessionID: sessionID, WorkflowName: workflowName, Phase: initialPhase,
		PhaseEnteredAt: now, Artifacts: map[string]string{}, Observations: []string{}, Variables: map[string]any{},
	}
	_, err := m.s.write(
		`INSERT INTO workflow_states (session_id, workflow_name, phase, phase_entered_at, phase_action_count,
			total_action_count, artifacts, observations, variables, current_task_index, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, '{}', '[]', '{}', 0, ?)`,
		sessionID, workflowName, initialPhase, now, now,
	)
	if err != nil {
		return nil, err
	}
	m.s.publish(ChangeEvent{Entity: "workflow_state", EntityID: sessionID, Operation: "create"})
	return ws, nil
}

// Load reads the WorkflowState for sessionID.
func (m *WorkflowStateManager) Load(sessionID string) (*WorkflowState, error) {
	row := m.s.readConn().QueryRow(
		`SELECT session_id, workflow_name, phase, phase_entered_at, phase_action_count, total_action_count,
			artifacts, observations, variables, current_task_index
			FROM workflow_states WHERE session_id = ?`, sessionID)
	return scanWorkflowState(row)
}

func scanWorkflowState(row *sql.Row) (*WorkflowState, error) {
	var ws WorkflowState
	var artifacts, observations, variables string
	if err := row.Scan(
		&ws.SessionID, &ws.WorkflowName, &ws.Phase, &ws.PhaseEnteredAt, &ws.PhaseActionCount,
		&ws.TotalActionCount, &artifacts, &observations, &variables, &ws.CurrentTaskIndex,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "workflow state not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan workflow state", err)
	}
	ws.Artifacts = map[string]string{}
	ws.Variables = map[string]any{}
	_ = json.Unmarshal([]byte(artifacts), &ws.Artifacts)
	_ = json.Unmarshal([]byte(observations), &ws.Observations)
	_ = json.Unmarshal([]byte(variables), &ws.Variables)
	return &ws, nil
}

// Save persists the full WorkflowState, write-through.
func (m *WorkflowStateManager) Save(ws *WorkflowState) error {
	artifacts, err := json.Marshal(ws.Artifacts)
	if err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "marshal artifacts", err)
	}
	observations, err := json.Marshal(ws.Observations)
	if err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "marshal observations", err)
	}
	variables, err := json.Marshal(ws.Variables)
	if err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "marshal variables", err)
	}

	_, err = m.s.write(
		`UPDATE workflow_states SET workflow_name = ?, phase = ?, phase_entered_at = ?, phase_action_count = ?,
			total_action_count = ?, artifacts = ?, observations = ?, variables = ?, current_task_index = ?, updated_at = ?
			WHERE session_id = ?`,
		ws.WorkflowName, ws.Phase, ws.PhaseEnteredAt, ws.PhaseActionCount, ws.TotalActionCount,
		string(artifacts), string(observations), string(variables), ws.CurrentTaskIndex, nowRFC3339(), ws.SessionID,
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "workflow_state", EntityID: ws.SessionID, Operation: "update"})
	return nil
}

// SaveHandoff persists a generated handoff payload.
func (m *WorkflowStateManager) SaveHandoff(sessionID, workflowName string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "marshal handoff payload", err)
	}
	_, err = m.s.write(
		`INSERT INTO workflow_handoffs (session_id, workflow_name, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET workflow_name = excluded.workflow_name,
				payload = excluded.payload, created_at = excluded.created_at`,
		sessionID, workflowName, string(encoded), nowRFC3339(),
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "workflow_handoff", EntityID: sessionID, Operation: "create"})
	return nil
}

// LoadHandoff reads a previously saved handoff, for restore_from_handoff.
func (m *WorkflowStateManager) LoadHandoff(sessionID string) (*WorkflowHandoff, error) {
	row := m.s.readConn().QueryRow(
		`SELECT session_id, workflow_name, payload, created_at FROM workflow_handoffs WHERE session_id = ?`, sessionID)
	var h WorkflowHandoff
	var payload string
	if err := row.Scan(&h.SessionID, &h.WorkflowName, &payload, &h.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, gobbyerr.New(gobbyerr.NotFound, "workflow handoff not found")
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan workflow handoff", err)
	}
	h.Payload = map[string]any{}
	_ = json.Unmarshal([]byte(payload), &h.Payload)
	return &h, nil
}

// DeleteHandoff removes a handoff once it has been restored into a
// session, so it injects exactly once.
func (m *WorkflowStateManager) DeleteHandoff(sessionID string) error {
	if _, err := m.s.write(`DELETE FROM workflow_handoffs WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "workflow_handoff", EntityID: sessionID, Operation: "delete"})
	return nil
}
