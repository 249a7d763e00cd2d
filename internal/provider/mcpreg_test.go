package provider

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/halyard/stackgraph/internal/errs"
)

func TestMCPRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	reg := NewMCPRegistry(path)
	ctx := context.Background()

	if err := reg.Add(ctx, MCPServerRecord{
		Name:    "filesystem",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/srv"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(ctx, MCPServerRecord{
		Name:      "search",
		URL:       "http://localhost:3001/sse",
		Transport: "sse",
		Env:       map[string]string{"SEARCH_API_KEY": "secret-value"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(records))
	}
	if records[0].Name != "filesystem" || records[1].Name != "search" {
		t.Errorf("unexpected order: %s, %s", records[0].Name, records[1].Name)
	}
	if got := records[1].Env["SEARCH_API_KEY"]; got == "secret-value" {
		t.Error("env value not redacted in List output")
	}

	if err := reg.Remove(ctx, "filesystem"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	records, err = reg.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Name != "search" {
		t.Errorf("after remove: %+v", records)
	}
}

func TestMCPRegistrySaveDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	reg := NewMCPRegistry(path)
	ctx := context.Background()

	rec := MCPServerRecord{Name: "fs", Command: "mcp-fs"}
	if err := reg.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Re-saving identical content must produce identical bytes.
	if err := reg.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("save is not byte-stable:\n%s\nvs\n%s", first, second)
	}
	if !bytes.HasSuffix(first, []byte("\n")) {
		t.Error("registry file missing trailing newline")
	}
}

func TestMCPRegistryRemoveMissing(t *testing.T) {
	reg := NewMCPRegistry(filepath.Join(t.TempDir(), "mcp.json"))
	err := reg.Remove(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNotFound {
		t.Errorf("kind = %v, want not_found", errs.KindOf(err))
	}
}

func TestMCPRegistryAddValidation(t *testing.T) {
	reg := NewMCPRegistry(filepath.Join(t.TempDir(), "mcp.json"))
	err := reg.Add(context.Background(), MCPServerRecord{})
	if errs.KindOf(err) != errs.KindBadRequest {
		t.Errorf("kind = %v, want bad_request", errs.KindOf(err))
	}
}
