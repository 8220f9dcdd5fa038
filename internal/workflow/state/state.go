// Package state owns the per-session WorkflowState: an
// in-memory cache, keyed by session id, with write-through persistence
// to the storage layer. Every mutation goes through one of the named
// primitives below so that a storage.ChangeEvent fires for it — no
// caller reaches into storage.WorkflowState directly.
//
// The phase graph itself comes from the loaded workflow definition;
// this package never hardcodes phase names.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/storage"
)

// ObservationCap bounds the observations ring — eviction is FIFO
// once the cap is reached, so the newest context always survives.
const ObservationCap = 50

// Manager is the write-through per-session state cache.
type Manager struct {
	store *storage.Store

	mu    sync.Mutex
	cache map[string]*storage.WorkflowState
}

// New creates a Manager backed by store.
func New(store *storage.Store) *Manager {
	return &Manager{store: store, cache: map[string]*storage.WorkflowState{}}
}

// Get returns the cached WorkflowState for sessionID, loading it from
// storage on first access.
func (m *Manager) Get(sessionID string) (*storage.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(sessionID)
}

func (m *Manager) getLocked(sessionID string) (*storage.WorkflowState, error) {
	if ws, ok := m.cache[sessionID]; ok {
		return ws, nil
	}
	ws, err := m.store.Workflows.Load(sessionID)
	if err != nil {
		return nil, err
	}
	m.cache[sessionID] = ws
	return ws, nil
}

// Start begins workflow state for a session entering workflowName at
// initialPhase, for the first hook event of a session.
func (m *Manager) Start(sessionID, workflowName, initialPhase string) (*storage.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.store.Workflows.Start(sessionID, workflowName, initialPhase)
	if err != nil {
		return nil, err
	}
	m.cache[sessionID] = ws
	return ws, nil
}

func (m *Manager) saveLocked(ws *storage.WorkflowState) error {
	return m.store.Workflows.Save(ws)
}

// EnterPhase transitions into phaseName, resetting the per-phase action
// counter and stamping phase_entered_at.
func (m *Manager) EnterPhase(sessionID, phaseName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	ws.Phase = phaseName
	ws.PhaseEnteredAt = time.Now().UTC().Format(time.RFC3339)
	ws.PhaseActionCount = 0
	return m.saveLocked(ws)
}

// ExitPhase is the symmetric hook point for on_exit bookkeeping; today it
// records a bounded observation noting the departure so the history
// survives even though workflow_states itself only tracks current phase.
func (m *Manager) ExitPhase(sessionID, phaseName string) error {
	return m.PushObservation(sessionID, fmt.Sprintf("exited phase %s", phaseName))
}

// RecordAction increments both the phase-local and session-total action
// counters; the engine calls it once per before_tool or after_tool event
// that gets past the tool guards.
func (m *Manager) RecordAction(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	ws.PhaseActionCount++
	ws.TotalActionCount++
	return m.saveLocked(ws)
}

// SetVariable sets a named workflow variable.
func (m *Manager) SetVariable(sessionID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	if ws.Variables == nil {
		ws.Variables = map[string]any{}
	}
	ws.Variables[key] = value
	return m.saveLocked(ws)
}

// IncrementVariable adds delta to a numeric workflow variable, treating a
// missing or non-numeric existing value as zero.
func (m *Manager) IncrementVariable(sessionID, key string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	if ws.Variables == nil {
		ws.Variables = map[string]any{}
	}
	current := 0.0
	if v, ok := ws.Variables[key]; ok {
		if f, ok := v.(float64); ok {
			current = f
		}
	}
	ws.Variables[key] = current + delta
	return m.saveLocked(ws)
}

// ClearVariable removes a workflow variable entirely.
func (m *Manager) ClearVariable(sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	delete(ws.Variables, key)
	return m.saveLocked(ws)
}

// PushObservation appends text to the bounded observations ring,
// evicting the oldest entry past ObservationCap.
func (m *Manager) PushObservation(sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	ws.Observations = append(ws.Observations, text)
	if len(ws.Observations) > ObservationCap {
		ws.Observations = ws.Observations[len(ws.Observations)-ObservationCap:]
	}
	return m.saveLocked(ws)
}

// CaptureArtifact writes content to the artifact store and records a
// pointer to it in the workflow state's artifacts map under key.
func (m *Manager) CaptureArtifact(sessionID, key, artifactType, title, content, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact, err := m.store.Artifacts.Capture(sessionID, artifactType, title, content, filePath)
	if err != nil {
		return err
	}

	ws, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	if ws.Artifacts == nil {
		ws.Artifacts = map[string]string{}
	}
	ws.Artifacts[key] = fmt.Sprintf("%d", artifact.ID)
	return m.saveLocked(ws)
}

// ReadArtifact resolves key against the workflow state's artifacts map
// and returns the underlying artifact's content. Returns a NotFound error
// if key was never captured this session.
func (m *Manager) ReadArtifact(sessionID, key string) (string, error) {
	m.mu.Lock()
	ws, err := m.getLocked(sessionID)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	ref, ok := ws.Artifacts[key]
	if !ok {
		return "", gobbyerr.New(gobbyerr.NotFound, fmt.Sprintf("no artifact captured under key %q this session", key))
	}

	var id int64
	if _, err := fmt.Sscanf(ref, "%d", &id); err != nil {
		return "", gobbyerr.Wrap(gobbyerr.StorageError, "parse artifact reference", err)
	}
	artifact, err := m.store.Artifacts.Get(id)
	if err != nil {
		return "", err
	}
	return artifact.Content, nil
}

// Invalidate drops sessionID from the cache, forcing the next Get to
// reload from storage — used when a session's workflow is reset.
func (m *Manager) Invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sessionID)
}
