// Package memory formats and syncs the daemon's persistent memories:
// recall rendering at three detail levels for the gobby-memory registry,
// and the memories.jsonl export/import the lifecycle manager schedules
// on mutation.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobby-dev/gobby/internal/storage"
)

const snippetLen = 200

// RecallDetail selects how much of each memory a recall returns. The
// tiers trade tokens for depth: a summary is ids and titles only,
// standard clips each body to a snippet, full returns everything.
type RecallDetail string

const (
	DetailSummary  RecallDetail = "summary"
	DetailStandard RecallDetail = "standard"
	DetailFull     RecallDetail = "full"
)

// DetailLevels lists the accepted detail_level values, for tool schema
// enums.
func DetailLevels() []string {
	return []string{string(DetailSummary), string(DetailStandard), string(DetailFull)}
}

// ParseDetail normalizes a detail_level argument, falling back to
// standard for anything unrecognized or empty.
func ParseDetail(s string) RecallDetail {
	switch RecallDetail(s) {
	case DetailSummary, DetailFull:
		return RecallDetail(s)
	default:
		return DetailStandard
	}
}

// moreDetailHint trails summary output so the caller knows the clipped
// tiers exist before asking for a re-run.
const moreDetailHint = "\n---\nPass detail_level standard or full to expand any of these."

// FormatRecall renders a list of memories as readable markdown at the
// requested detail level.
func FormatRecall(memories []*storage.Memory, detail RecallDetail) string {
	if len(memories) == 0 {
		return "No memories found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Recalled Memories (%d)\n\n", len(memories))

	for _, m := range memories {
		switch detail {
		case DetailSummary:
			fmt.Fprintf(&b, "- %s [%s] %q (%s)\n", m.ID, m.MemoryType, m.Title, m.UpdatedAt)
		case DetailFull:
			fmt.Fprintf(&b, "## %s [%s] %s\n\n", m.ID, m.MemoryType, m.Title)
			writeMeta(&b, m)
			fmt.Fprintf(&b, "%s\n\n", m.Content)
		default:
			fmt.Fprintf(&b, "## %s [%s] %s\n\n", m.ID, m.MemoryType, m.Title)
			writeMeta(&b, m)
			fmt.Fprintf(&b, "%s\n\n", snippet(m.Content))
		}
	}

	if detail == DetailSummary {
		b.WriteString(moreDetailHint)
	}
	return b.String()
}

func writeMeta(b *strings.Builder, m *storage.Memory) {
	if len(m.Tags) > 0 {
		fmt.Fprintf(b, "**Tags:** %s\n", strings.Join(m.Tags, ", "))
	}
	if m.SessionID != "" {
		fmt.Fprintf(b, "**Session:** %s\n", m.SessionID)
	}
	fmt.Fprintf(b, "**Updated:** %s\n\n", m.UpdatedAt)
}

func snippet(content string) string {
	if len(content) <= snippetLen {
		return content
	}
	return content[:snippetLen] + "…"
}

// jsonlRecord is the on-disk shape of one memories.jsonl line.
type jsonlRecord struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	SessionID  string   `json:"session_id,omitempty"`
	MemoryType string   `json:"memory_type"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	TopicKey   string   `json:"topic_key,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	DeletedAt  string   `json:"deleted_at,omitempty"`
}

// ExportJSONL writes every memory for projectID (tombstones included) to
// path, one JSON object per line, replacing the file atomically via a
// temp-file rename.
func ExportJSONL(store *storage.Store, projectID, path string) error {
	all, err := store.Memories.ListAll(projectID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".memories-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for _, m := range all {
		rec := jsonlRecord{
			ID: m.ID, ProjectID: m.ProjectID, SessionID: m.SessionID,
			MemoryType: m.MemoryType, Title: m.Title, Content: m.Content,
			Tags: m.Tags, TopicKey: m.TopicKey,
			CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt, DeletedAt: m.DeletedAt,
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

// ImportJSONL merges records from path into the store with
// last-write-wins semantics on updated_at. A missing file is not an
// error — there is simply nothing to import.
func ImportJSONL(store *storage.Store, path string) (int, error) {
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
		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return imported, fmt.Errorf("memories.jsonl: malformed line: %w", err)
		}
		mem := &storage.Memory{
			ID: rec.ID, ProjectID: rec.ProjectID, SessionID: rec.SessionID,
			MemoryType: rec.MemoryType, Title: rec.Title, Content: rec.Content,
			Tags: rec.Tags, TopicKey: rec.TopicKey,
			CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, DeletedAt: rec.DeletedAt,
		}
		if err := store.Memories.Upsert(mem); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, scanner.Err()
}
