package lifecycle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
)

func newTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(dir, "proj-1", "", gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestTasksJSONLRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	a, err := s.Tasks.Create("proj-1", "first", "do the thing", "feature", 1)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Tasks.Create("proj-1", "second", "", "task", 2)
	if err := s.Tasks.AddDependency(b.ID, a.ID, storage.DepBlocks); err != nil {
		t.Fatal(err)
	}
	if err := s.Tasks.SetStatus(a.ID, storage.TaskClosed, "shipped"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, ".gobby", "tasks.jsonl")
	if err := ExportTasksJSONL(s, "proj-1", path); err != nil {
		t.Fatalf("export: %v", err)
	}

	fresh, _ := newTestStore(t)
	n, err := ImportTasksJSONL(fresh, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}

	got, err := fresh.Tasks.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.TaskClosed || got.ClosedReason != "shipped" {
		t.Fatalf("round trip lost status: %+v", got)
	}
	deps, err := fresh.Tasks.Dependencies(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].DependsOn != a.ID || deps[0].DepType != storage.DepBlocks {
		t.Fatalf("round trip lost dependencies: %+v", deps)
	}

	ready, _ := fresh.Tasks.Ready("proj-1")
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("readiness should survive the round trip: %+v", ready)
	}
}

func TestImportPreservesNewerDBRecord(t *testing.T) {
	s, dir := newTestStore(t)
	task, _ := s.Tasks.Create("proj-1", "original", "", "task", 2)

	path := filepath.Join(dir, "tasks.jsonl")
	stale := `{"id":"` + task.ID + `","project_id":"proj-1","title":"stale","description":"","status":"open","priority":2,"task_type":"task","labels":[],"dependencies":[],"created_at":"2020-01-01T00:00:00Z","updated_at":"2020-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ImportTasksJSONL(s, path); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Tasks.Get(task.ID)
	if got.Title != "original" {
		t.Fatalf("stale import must not clobber the newer row, got %q", got.Title)
	}
}

func TestImportMissingFileIsNoop(t *testing.T) {
	s, dir := newTestStore(t)
	n, err := ImportTasksJSONL(s, filepath.Join(dir, "absent.jsonl"))
	if err != nil || n != 0 {
		t.Fatalf("expected clean no-op, got n=%d err=%v", n, err)
	}
}

func TestDebouncedExportCoalesces(t *testing.T) {
	s, dir := newTestStore(t)
	m := New(s, Config{
		ProjectDir:       dir,
		DebounceInterval: 20 * time.Millisecond,
		SweepInterval:    time.Hour,
	}, gobbylog.Discard("lifecycle"))
	m.Start(t.Context())
	defer m.Close()

	for i := 0; i < 5; i++ {
		if _, err := s.Tasks.Create("proj-1", "burst", "", "task", 2); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(dir, ".gobby", "tasks.jsonl")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			if strings.Count(string(data), "\n") == 5 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debounced export never produced the full ledger")
}

func TestSweepProcessesTranscriptAndExpires(t *testing.T) {
	s, dir := newTestStore(t)
	sess, err := s.Sessions.Create("s1", "proj-1", "claude_code", false, "")
	if err != nil {
		t.Fatal(err)
	}

	transcript := filepath.Join(dir, "transcript.jsonl")
	lines := `{"message":{"usage":{"input_tokens":100,"output_tokens":50}},"costUSD":0.25}` + "\n" +
		`{"usage":{"input_tokens":10,"output_tokens":5}}` + "\n"
	if err := os.WriteFile(transcript, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.SetTranscriptPath(sess.ID, transcript); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.SetStatus(sess.ID, storage.SessionHandoff); err != nil {
		t.Fatal(err)
	}

	m := New(s, Config{ProjectDir: dir, SweepInterval: time.Hour}, gobbylog.Discard("lifecycle"))
	m.Sweep()

	got, _ := s.Sessions.Get(sess.ID)
	if got.Status != storage.SessionExpired {
		t.Fatalf("expected expired after processing, got %s", got.Status)
	}
	if got.TokenCount != 165 {
		t.Fatalf("expected 165 tokens aggregated, got %d", got.TokenCount)
	}
	if got.CostUSD != 0.25 {
		t.Fatalf("expected 0.25 cost, got %f", got.CostUSD)
	}

	archived := filepath.Join(dir, ".gobby", "transcripts", sess.ID+".jsonl")
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("transcript should be archived: %v", err)
	}
}

func TestReapIdleSessions(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Sessions.Create("old", "proj-1", "claude_code", false, ""); err != nil {
		t.Fatal(err)
	}

	// updated_at has one-second resolution, so the idle window needs a
	// real second to elapse before the cutoff moves past it.
	m := New(s, Config{SessionIdleTimeout: time.Nanosecond, SweepInterval: time.Hour}, gobbylog.Discard("lifecycle"))
	time.Sleep(1100 * time.Millisecond)
	m.Sweep()

	got, _ := s.Sessions.Get("old")
	if got.Status != storage.SessionExpired {
		t.Fatalf("idle session should be expired, got %s", got.Status)
	}
}
