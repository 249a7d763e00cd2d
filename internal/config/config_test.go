package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
graph:
  uri: bolt://localhost:7687
  username: neo4j
  password: secret
vault:
  path: /srv/vault
mcp:
  config_path: /srv/mcp.json
`

func TestLoad(t *testing.T) {
	t.Run("minimal_with_defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Graph.URI != "bolt://localhost:7687" {
			t.Errorf("graph.uri = %q", cfg.Graph.URI)
		}
		if cfg.Graph.VectorDim != 768 {
			t.Errorf("graph.vector_dim default = %d, want 768", cfg.Graph.VectorDim)
		}
		if cfg.Graph.BatchSize != 500 {
			t.Errorf("graph.batch_size default = %d, want 500", cfg.Graph.BatchSize)
		}
		if cfg.PERL.MaxIterations != 5 {
			t.Errorf("perl.max_iterations default = %d, want 5", cfg.PERL.MaxIterations)
		}
		if cfg.Pipelines["notes"].MissThreshold != 3 {
			t.Errorf("pipeline miss_threshold default = %d, want 3", cfg.Pipelines["notes"].MissThreshold)
		}
	})

	t.Run("unknown_key_rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+"\nbogus_key: 1\n"))
		if err == nil {
			t.Fatalf("expected error for unknown key")
		}
	})

	t.Run("unknown_pipeline_rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
pipelines:
  nonsense:
    interval_seconds: 10
`))
		if err == nil {
			t.Fatalf("expected error for unknown pipeline name")
		}
		if !strings.Contains(err.Error(), "nonsense") {
			t.Errorf("error should name the pipeline: %v", err)
		}
	})

	t.Run("missing_required_key_named", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
graph:
  uri: bolt://localhost:7687
  username: neo4j
  password: secret
vault:
  path: /srv/vault
`))
		if err == nil {
			t.Fatalf("expected MissingConfig error")
		}
		if !strings.Contains(err.Error(), "mcp.config_path") {
			t.Errorf("error should name the missing key: %v", err)
		}
	})

	t.Run("env_override", func(t *testing.T) {
		t.Setenv("STACKGRAPH_GRAPH_PASSWORD", "from-env")
		t.Setenv("STACKGRAPH_PERL_MAX_ITERATIONS", "9")
		cfg, err := Load(writeConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Graph.Password != "from-env" {
			t.Errorf("env override not applied: %q", cfg.Graph.Password)
		}
		if cfg.PERL.MaxIterations != 9 {
			t.Errorf("int env override not applied: %d", cfg.PERL.MaxIterations)
		}
	})

	t.Run("env_only_no_file", func(t *testing.T) {
		t.Setenv("STACKGRAPH_GRAPH_URI", "bolt://db:7687")
		t.Setenv("STACKGRAPH_GRAPH_USERNAME", "neo4j")
		t.Setenv("STACKGRAPH_GRAPH_PASSWORD", "pw")
		t.Setenv("STACKGRAPH_VAULT_PATH", "/vault")
		t.Setenv("STACKGRAPH_MCP_CONFIG_PATH", "/mcp.json")
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load with env only: %v", err)
		}
		if cfg.Graph.URI != "bolt://db:7687" {
			t.Errorf("graph.uri = %q", cfg.Graph.URI)
		}
	})

	t.Run("pipeline_overrides", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig+`
pipelines:
  services:
    interval_seconds: 30
    miss_threshold: 5
`))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Pipelines["services"].IntervalSeconds != 30 {
			t.Errorf("services interval = %d", cfg.Pipelines["services"].IntervalSeconds)
		}
		if cfg.Pipelines["services"].MissThreshold != 5 {
			t.Errorf("services miss_threshold = %d", cfg.Pipelines["services"].MissThreshold)
		}
		// Other pipelines keep defaults.
		if cfg.Pipelines["mcps"].IntervalSeconds != 300 {
			t.Errorf("mcps interval = %d, want default 300", cfg.Pipelines["mcps"].IntervalSeconds)
		}
	})
}
