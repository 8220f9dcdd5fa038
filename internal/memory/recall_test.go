package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(dir, "proj-1", "", gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addMemory(t *testing.T, s *storage.Store, title, content string) *storage.Memory {
	t.Helper()
	m, err := s.Memories.Add(storage.AddMemoryParams{
		ProjectID: "proj-1", SessionID: "sess-1", MemoryType: "decision",
		Title: title, Content: content, Tags: []string{"storage"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return m
}

func TestFormatRecall_Empty(t *testing.T) {
	got := FormatRecall(nil, DetailStandard)
	if got != "No memories found." {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestFormatRecall_SummaryListsIDsOnly(t *testing.T) {
	s := newTestStore(t)
	m := addMemory(t, s, "journal mode choice", strings.Repeat("details ", 100))

	out := FormatRecall([]*storage.Memory{m}, DetailSummary)
	if !strings.Contains(out, m.ID) {
		t.Fatalf("summary should contain the id, got: %q", out)
	}
	if strings.Contains(out, "details details") {
		t.Fatal("summary should not contain memory content")
	}
	if !strings.Contains(out, "detail_level") {
		t.Fatal("summary should carry the progressive-disclosure footer")
	}
}

func TestFormatRecall_StandardTruncates(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("x", 500)
	m := addMemory(t, s, "long", long)

	out := FormatRecall([]*storage.Memory{m}, DetailStandard)
	if strings.Contains(out, long) {
		t.Fatal("standard detail should truncate long content")
	}
	if !strings.Contains(out, "…") {
		t.Fatal("truncated content should end with an ellipsis")
	}

	full := FormatRecall([]*storage.Memory{m}, DetailFull)
	if !strings.Contains(full, long) {
		t.Fatal("full detail should contain the complete content")
	}
}

func TestMemorySearchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	addMemory(t, s, "picked rollback journal", "sqlite journal mode stays on rollback for portability")
	addMemory(t, s, "unrelated", "nothing to see here")

	hits, err := s.Memories.Search("proj-1", "journal", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "picked rollback journal" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestTopicKeyUpserts(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Memories.Add(storage.AddMemoryParams{
		ProjectID: "proj-1", Title: "v1", Content: "first", TopicKey: "arch/storage",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := s.Memories.Add(storage.AddMemoryParams{
		ProjectID: "proj-1", Title: "v2", Content: "second", TopicKey: "arch/storage",
	})
	if err != nil {
		t.Fatalf("Add upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("topic key should update in place: %s vs %s", first.ID, second.ID)
	}
	if second.Title != "v2" {
		t.Fatalf("expected updated title, got %q", second.Title)
	}
}

func TestExportImportJSONL(t *testing.T) {
	s := newTestStore(t)
	kept := addMemory(t, s, "kept", "survives the round trip")
	dropped := addMemory(t, s, "dropped", "tombstoned before export")
	if err := s.Memories.Delete(dropped.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	path := filepath.Join(t.TempDir(), "memories.jsonl")
	if err := ExportJSONL(s, "proj-1", path); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	fresh := newTestStore(t)
	n, err := ImportJSONL(fresh, path)
	if err != nil {
		t.Fatalf("ImportJSONL: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records imported, got %d", n)
	}

	got, err := fresh.Memories.Get(kept.ID)
	if err != nil {
		t.Fatalf("Get after import: %v", err)
	}
	if got.Content != "survives the round trip" {
		t.Fatalf("unexpected content: %q", got.Content)
	}

	tomb, err := fresh.Memories.Get(dropped.ID)
	if err != nil {
		t.Fatalf("Get tombstone: %v", err)
	}
	if tomb.DeletedAt == "" {
		t.Fatal("tombstone should survive import")
	}

	live, err := fresh.Memories.List("proj-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected 1 live memory, got %d", len(live))
	}
}

func TestImportJSONL_MissingFileIsNoop(t *testing.T) {
	s := newTestStore(t)
	n, err := ImportJSONL(s, filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil || n != 0 {
		t.Fatalf("expected clean no-op, got n=%d err=%v", n, err)
	}
}

func TestImportJSONL_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	m := addMemory(t, s, "newer", "local copy is newer")

	stale := `{"id":"` + m.ID + `","project_id":"proj-1","memory_type":"decision","title":"older","content":"stale","tags":[],"created_at":"2020-01-01T00:00:00Z","updated_at":"2020-01-01T00:00:00Z"}` + "\n"
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ImportJSONL(s, path); err != nil {
		t.Fatalf("ImportJSONL: %v", err)
	}
	got, _ := s.Memories.Get(m.ID)
	if got.Title != "newer" {
		t.Fatalf("stale import should not overwrite newer row, got %q", got.Title)
	}
}
