package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ignored.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Run("append_and_read", func(t *testing.T) {
		if err := j.Append(CategoryServices, "schema validation failed: missing image", map[string]any{"id": "bad"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := j.Append(CategoryFiles, "unreadable note", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}

		entries, err := j.Entries(time.Time{})
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("len(entries) = %d, want 2", len(entries))
		}
		if entries[0].Category != CategoryServices {
			t.Errorf("first category = %s", entries[0].Category)
		}
		if entries[0].Payload == nil {
			t.Errorf("payload should round-trip")
		}
	})

	t.Run("since_filter", func(t *testing.T) {
		entries, err := j.Entries(time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("future since should filter everything, got %d", len(entries))
		}
	})

	t.Run("count_by_category", func(t *testing.T) {
		counts, err := j.CountByCategory(time.Time{})
		if err != nil {
			t.Fatalf("CountByCategory: %v", err)
		}
		if counts[CategoryServices] != 1 || counts[CategoryFiles] != 1 {
			t.Errorf("counts = %v", counts)
		}
	})

	t.Run("missing_file_reads_empty", func(t *testing.T) {
		j2, err := Open(filepath.Join(t.TempDir(), "fresh.jsonl"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		entries, err := j2.Entries(time.Time{})
		if err != nil || entries != nil {
			t.Errorf("fresh journal: entries=%v err=%v", entries, err)
		}
	})
}
