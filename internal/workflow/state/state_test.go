package state

import (
	"path/filepath"
	"testing"

	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(dir, "proj-1", filepath.Join(dir, "hub.db"), gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestManager_EnterPhaseResetsActionCount(t *testing.T) {
	m, store := newTestManager(t)
	if _, err := store.Sessions.Create("sess-1", "proj-1", "claude_code", false, ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := m.Start("sess-1", "plan-execute", "plan"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.RecordAction("sess-1"); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if err := m.RecordAction("sess-1"); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}

	if err := m.EnterPhase("sess-1", "execute"); err != nil {
		t.Fatalf("EnterPhase: %v", err)
	}
	ws, err := m.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ws.Phase != "execute" || ws.PhaseActionCount != 0 {
		t.Fatalf("expected phase execute with reset count, got %+v", ws)
	}
	if ws.TotalActionCount != 2 {
		t.Fatalf("expected total action count to survive phase entry, got %d", ws.TotalActionCount)
	}
}

func TestManager_SetAndIncrementVariable(t *testing.T) {
	m, store := newTestManager(t)
	store.Sessions.Create("sess-1", "proj-1", "claude_code", false, "")
	m.Start("sess-1", "plan-execute", "plan")

	if err := m.SetVariable("sess-1", "retries", 0.0); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := m.IncrementVariable("sess-1", "retries", 3); err != nil {
		t.Fatalf("IncrementVariable: %v", err)
	}
	ws, _ := m.Get("sess-1")
	if ws.Variables["retries"] != 3.0 {
		t.Fatalf("expected retries=3, got %v", ws.Variables["retries"])
	}

	if err := m.ClearVariable("sess-1", "retries"); err != nil {
		t.Fatalf("ClearVariable: %v", err)
	}
	ws, _ = m.Get("sess-1")
	if _, ok := ws.Variables["retries"]; ok {
		t.Fatal("expected retries to be cleared")
	}
}

func TestManager_ObservationRingEvictsOldest(t *testing.T) {
	m, store := newTestManager(t)
	store.Sessions.Create("sess-1", "proj-1", "claude_code", false, "")
	m.Start("sess-1", "plan-execute", "plan")

	for i := 0; i < ObservationCap+5; i++ {
		if err := m.PushObservation("sess-1", "note"); err != nil {
			t.Fatalf("PushObservation: %v", err)
		}
	}
	ws, _ := m.Get("sess-1")
	if len(ws.Observations) != ObservationCap {
		t.Fatalf("expected ring capped at %d, got %d", ObservationCap, len(ws.Observations))
	}
}

func TestManager_CaptureAndReadArtifact(t *testing.T) {
	m, store := newTestManager(t)
	store.Sessions.Create("sess-1", "proj-1", "claude_code", false, "")
	m.Start("sess-1", "plan-execute", "plan")

	if err := m.CaptureArtifact("sess-1", "plan", "plan", "Migration plan", "move widgets", ""); err != nil {
		t.Fatalf("CaptureArtifact: %v", err)
	}
	content, err := m.ReadArtifact("sess-1", "plan")
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if content != "move widgets" {
		t.Fatalf("unexpected artifact content: %q", content)
	}

	if _, err := m.ReadArtifact("sess-1", "missing"); err == nil {
		t.Fatal("expected error for unread key")
	}
}
