package storage

import (
	"strings"
	"testing"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

func TestNewShortRef_Format(t *testing.T) {
	ref, err := NewShortRef("gt", "proj-1")
	if err != nil {
		t.Fatalf("NewShortRef: %v", err)
	}
	if !strings.HasPrefix(ref, "gt-") || len(ref) != len("gt-")+6 {
		t.Fatalf("unexpected ref shape: %q", ref)
	}
}

func TestGenerateUniqueRef_RetriesThenSucceeds(t *testing.T) {
	collisions := 3
	ref, err := GenerateUniqueRef("gt", "proj-1", func(ref string) (bool, error) {
		if collisions > 0 {
			collisions--
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("GenerateUniqueRef: %v", err)
	}
	if ref == "" || collisions != 0 {
		t.Fatalf("expected success after retries, ref=%q collisions=%d", ref, collisions)
	}
}

func TestGenerateUniqueRef_ExhaustionIsConflict(t *testing.T) {
	_, err := GenerateUniqueRef("gt", "proj-1", func(ref string) (bool, error) {
		return true, nil
	})
	if !gobbyerr.Is(err, gobbyerr.Conflict) {
		t.Fatalf("expected Conflict on exhaustion, got %v", err)
	}
}
