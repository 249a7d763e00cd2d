package provider

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeNote(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVaultList(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "infra/homelab.md", "# Homelab Overview\n\nRuns [[Jellyfin]] and [[Vaultwarden|vault]].\n\n#infra #docker\n")
	writeNote(t, root, "todo.md", "no heading here, just a #task\n")
	writeNote(t, root, ".obsidian/workspace.md", "# should be skipped\n")
	writeNote(t, root, "notes.txt", "not markdown")

	v := NewVault(root)
	if err := v.Reachable(context.Background()); err != nil {
		t.Fatalf("Reachable: %v", err)
	}
	notes, skipped, err := v.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v", skipped)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}

	home := notes[0]
	if home.Path != "infra/homelab.md" {
		t.Errorf("path = %q", home.Path)
	}
	if home.Title != "Homelab Overview" {
		t.Errorf("title = %q", home.Title)
	}
	if want := []string{"Jellyfin", "Vaultwarden"}; !reflect.DeepEqual(home.Links, want) {
		t.Errorf("links = %v, want %v", home.Links, want)
	}
	if want := []string{"docker", "infra"}; !reflect.DeepEqual(home.Tags, want) {
		t.Errorf("tags = %v, want %v", home.Tags, want)
	}
	if home.ContentHash == "" {
		t.Error("content hash empty")
	}

	todo := notes[1]
	if todo.Title != "todo" {
		t.Errorf("fallback title = %q, want filename", todo.Title)
	}
	if want := []string{"task"}; !reflect.DeepEqual(todo.Tags, want) {
		t.Errorf("tags = %v, want %v", todo.Tags, want)
	}
}

func TestVaultListSkipsUnreadableNote(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "good.md", "# Good\n#keep\n")
	if err := os.Symlink(filepath.Join(root, "missing-target"), filepath.Join(root, "bad.md")); err != nil {
		t.Fatal(err)
	}

	notes, skipped, err := NewVault(root).List(context.Background())
	if err != nil {
		t.Fatalf("one unreadable note aborted the walk: %v", err)
	}
	if len(notes) != 1 || notes[0].Path != "good.md" {
		t.Fatalf("notes = %+v, want only good.md", notes)
	}
	if len(skipped) != 1 {
		t.Fatalf("skipped = %+v, want one entry", skipped)
	}
	if skipped[0].Path != "bad.md" || skipped[0].Reason == "" {
		t.Errorf("skipped entry = %+v", skipped[0])
	}
}

func TestVaultHashStableAcrossLineEndings(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeNote(t, rootA, "a.md", "# Title\nbody\n")
	writeNote(t, rootB, "a.md", "# Title\r\nbody   \r\n")

	notesA, _, err := NewVault(rootA).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	notesB, _, err := NewVault(rootB).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if notesA[0].ContentHash != notesB[0].ContentHash {
		t.Errorf("hash differs across line endings: %s vs %s", notesA[0].ContentHash, notesB[0].ContentHash)
	}
}

func TestParseTagsSkipsCodeFences(t *testing.T) {
	content := "intro #real\n```bash\necho #notatag\n```\noutro\n"
	tags := parseTags(content)
	if len(tags) != 1 || tags[0] != "real" {
		t.Errorf("tags = %v, want [real]", tags)
	}
}

func TestVaultReachableMissing(t *testing.T) {
	v := NewVault(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := v.Reachable(context.Background()); err == nil {
		t.Fatal("expected error for missing vault root")
	}
}
