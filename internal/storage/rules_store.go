package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/rules"
)

// RuleManager persists tiered rule definitions. Rules are synced
// into this table from YAML sources at daemon start so the engine can
// resolve them without re-reading disk on every hook invocation; the
// disk files remain the source of truth and a file watcher
// re-syncs on change.
type RuleManager struct{ s *Store }

// storedRule is the JSON-serializable shape of rules.Definition, decoupled
// from that package's in-memory representation so a schema change there
// doesn't silently corrupt already-persisted rows.
type storedRule struct {
	Name           string   `json:"name"`
	Tools          []string `json:"tools,omitempty"`
	MCPTools       []string `json:"mcp_tools,omitempty"`
	CommandPattern string   `json:"command_pattern,omitempty"`
	When           string   `json:"when,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Action         string   `json:"action"`
}

// Upsert persists def at the given tier, overwriting any prior
// definition of the same name.
func (m *RuleManager) Upsert(def rules.Definition, tier rules.Tier) error {
	encoded, err := json.Marshal(storedRule{
		Name: def.Name, Tools: def.Tools, MCPTools: def.MCPTools,
		CommandPattern: def.CommandPattern, When: def.When, Reason: def.Reason, Action: string(def.Action),
	})
	if err != nil {
		return gobbyerr.Wrap(gobbyerr.StorageError, "marshal rule definition", err)
	}
	_, err = m.s.write(
		`INSERT INTO rules (name, tier, definition, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET tier = excluded.tier, definition = excluded.definition, updated_at = excluded.updated_at`,
		def.Name, int(tier), string(encoded), nowRFC3339(),
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "rule", EntityID: def.Name, Operation: "update"})
	return nil
}

// All loads every persisted rule definition, for populating a
// rules.Registry at daemon start.
func (m *RuleManager) All() ([]rules.Definition, error) {
	rows, err := m.s.readConn().Query(`SELECT definition, tier FROM rules`)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "list rules", err)
	}
	defer rows.Close()

	var defs []rules.Definition
	for rows.Next() {
		var encoded string
		var tier int
		if err := rows.Scan(&encoded, &tier); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan rule row", err)
		}
		var sr storedRule
		if err := json.Unmarshal([]byte(encoded), &sr); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "unmarshal rule definition", err)
		}
		defs = append(defs, rules.Definition{
			Name: sr.Name, Tools: sr.Tools, MCPTools: sr.MCPTools,
			CommandPattern: sr.CommandPattern, When: sr.When, Reason: sr.Reason,
			Action: rules.Action(sr.Action), Tier: rules.Tier(tier),
		})
	}
	return defs, nil
}

// Delete removes a persisted rule definition by name.
func (m *RuleManager) Delete(name string) error {
	_, err := m.s.write(`DELETE FROM rules WHERE name = ?`, name)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "rule", EntityID: name, Operation: "delete"})
	return nil
}

// StopSignal mirrors the stop_signals table: an
// out-of-band request to halt an autonomous session's next loop
// iteration, raised by either the user (via a control surface) or the
// stuck detector itself.
type StopSignal struct {
	SessionID string
	Reason    string
	Source    string // "user" | "stuck_detector"
	IssuedAt  string
}

// StopSignalManager implements check_stop_signal / clear_stop_signal.
type StopSignalManager struct{ s *Store }

// Raise records a stop signal for sessionID, overwriting any prior
// unresolved signal.
func (m *StopSignalManager) Raise(sessionID, reason, source string) error {
	_, err := m.s.write(
		`INSERT INTO stop_signals (session_id, reason, source, issued_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET reason = excluded.reason, source = excluded.source, issued_at = excluded.issued_at`,
		sessionID, reason, source, nowRFC3339(),
	)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "stop_signal", EntityID: sessionID, Operation: "create"})
	return nil
}

// Check returns the current stop signal for sessionID, if any.
func (m *StopSignalManager) Check(sessionID string) (*StopSignal, error) {
	row := m.s.readConn().QueryRow(
		`SELECT session_id, reason, source, issued_at FROM stop_signals WHERE session_id = ?`, sessionID)
	var sig StopSignal
	if err := row.Scan(&sig.SessionID, &sig.Reason, &sig.Source, &sig.IssuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "scan stop signal", err)
	}
	return &sig, nil
}

// Clear removes any stop signal for sessionID (a no-op if none exists).
func (m *StopSignalManager) Clear(sessionID string) error {
	_, err := m.s.write(`DELETE FROM stop_signals WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	m.s.publish(ChangeEvent{Entity: "stop_signal", EntityID: sessionID, Operation: "delete"})
	return nil
}
