// Package config loads engine configuration from config.yaml with
// environment-variable overrides. Unknown keys are rejected at load time and
// missing required keys fail startup with an error naming the key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/halyard/stackgraph/internal/errs"
)

// EnvPrefix is the prefix for environment overrides. Dots in config keys map
// to underscores: graph.uri becomes STACKGRAPH_GRAPH_URI.
const EnvPrefix = "STACKGRAPH_"

// GraphConfig holds graph store connection settings.
type GraphConfig struct {
	URI       string `yaml:"uri"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VectorDim int    `yaml:"vector_dim"`
	BatchSize int    `yaml:"batch_size"`
}

// TextGenConfig selects the logical text-generation backend.
type TextGenConfig struct {
	// Name selects the backend: "googleai/<model>" for hosted Gemini, or
	// "<provider>/<model>" with BaseURL for an OpenAI-compatible local server.
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// MCPConfig points at the MCP registry file.
type MCPConfig struct {
	ConfigPath string `yaml:"config_path"`
}

// VaultConfig points at the note vault root.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// ContainerConfig holds container runtime settings.
type ContainerConfig struct {
	ComposePath string `yaml:"compose_path"`
}

// WorkflowConfig holds workflow server settings.
type WorkflowConfig struct {
	BaseURL     string `yaml:"base_url"`
	Credentials string `yaml:"credentials"`
}

// PipelineConfig holds per-pipeline sync cadence and soft-delete policy.
type PipelineConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// MissThreshold is the number of consecutive polls an entity must be
	// absent from the source before it is tombstoned.
	MissThreshold int `yaml:"miss_threshold"`
	// Schedule is an optional 5-field cron expression. When set it takes
	// precedence over IntervalSeconds.
	Schedule string `yaml:"schedule"`
}

// SchedulerConfig bounds task concurrency.
type SchedulerConfig struct {
	MaxInflight int `yaml:"max_inflight"`
}

// RetryConfig holds the planning-loop retry ceilings.
type RetryConfig struct {
	Plan int `yaml:"plan"`
	Step int `yaml:"step"`
}

// PERLConfig holds plan-execute-review loop settings.
type PERLConfig struct {
	MaxIterations int         `yaml:"max_iterations"`
	Retry         RetryConfig `yaml:"retry"`
}

// OTelConfig holds telemetry settings.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// ThresholdsConfig holds the agent status score cutoffs.
type ThresholdsConfig struct {
	Healthy float64 `yaml:"healthy"`
	Warning float64 `yaml:"warning"`
}

// HealthConfig holds health assessment policy.
type HealthConfig struct {
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// StoreConfig points at the local task store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CompactionConfig controls tombstone purging.
type CompactionConfig struct {
	RetainDays int `yaml:"retain_days"`
}

// VCSConfig holds version-control settings.
type VCSConfig struct {
	Path string `yaml:"path"`
}

// Config is the full engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Graph      GraphConfig               `yaml:"graph"`
	TextGen    TextGenConfig             `yaml:"text_gen"`
	Embedding  EmbeddingConfig           `yaml:"embedding"`
	MCP        MCPConfig                 `yaml:"mcp"`
	Vault      VaultConfig               `yaml:"vault"`
	Container  ContainerConfig           `yaml:"container"`
	Workflow   WorkflowConfig            `yaml:"workflow"`
	VCS        VCSConfig                 `yaml:"vcs"`
	Pipelines  map[string]PipelineConfig `yaml:"pipelines"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	PERL       PERLConfig                `yaml:"perl"`
	OTel       OTelConfig                `yaml:"otel"`
	Health     HealthConfig              `yaml:"health"`
	Store      StoreConfig               `yaml:"store"`
	Compaction CompactionConfig          `yaml:"compaction"`
}

// PipelineNames lists the pipelines the synchronizer knows about.
var PipelineNames = []string{"services", "mcps", "notes", "configs", "agents"}

// Default returns a Config with every optional knob at its default.
func Default() Config {
	cfg := Config{
		LogLevel: "info",
		Graph: GraphConfig{
			VectorDim: 768,
			BatchSize: 500,
		},
		Embedding: EmbeddingConfig{
			Name:    "nomic-embed-text",
			BaseURL: "http://localhost:11434",
		},
		Scheduler: SchedulerConfig{MaxInflight: 8},
		PERL: PERLConfig{
			MaxIterations: 5,
			Retry:         RetryConfig{Plan: 2, Step: 2},
		},
		Health: HealthConfig{
			Thresholds: ThresholdsConfig{Healthy: 75, Warning: 40},
		},
		Compaction: CompactionConfig{RetainDays: 30},
		Pipelines:  make(map[string]PipelineConfig),
	}
	for _, name := range PipelineNames {
		cfg.Pipelines[name] = PipelineConfig{IntervalSeconds: 300, MissThreshold: 3}
	}
	return cfg
}

// Load reads the config file, applies environment overrides, fills defaults,
// and validates required keys. A missing file is not an error; env-only
// configuration is supported.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Fall through to env overrides.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays STACKGRAPH_* environment variables onto the config.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("LOG_LEVEL", &c.LogLevel)
	setString("GRAPH_URI", &c.Graph.URI)
	setString("GRAPH_USERNAME", &c.Graph.Username)
	setString("GRAPH_PASSWORD", &c.Graph.Password)
	setInt("GRAPH_VECTOR_DIM", &c.Graph.VectorDim)
	setString("TEXT_GEN_NAME", &c.TextGen.Name)
	setString("TEXT_GEN_BASE_URL", &c.TextGen.BaseURL)
	setString("TEXT_GEN_API_KEY", &c.TextGen.APIKey)
	setString("EMBEDDING_NAME", &c.Embedding.Name)
	setString("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	setString("MCP_CONFIG_PATH", &c.MCP.ConfigPath)
	setString("VAULT_PATH", &c.Vault.Path)
	setString("CONTAINER_COMPOSE_PATH", &c.Container.ComposePath)
	setString("WORKFLOW_BASE_URL", &c.Workflow.BaseURL)
	setString("WORKFLOW_CREDENTIALS", &c.Workflow.Credentials)
	setString("VCS_PATH", &c.VCS.Path)
	setInt("SCHEDULER_MAX_INFLIGHT", &c.Scheduler.MaxInflight)
	setInt("PERL_MAX_ITERATIONS", &c.PERL.MaxIterations)
	setInt("PERL_RETRY_PLAN", &c.PERL.Retry.Plan)
	setInt("PERL_RETRY_STEP", &c.PERL.Retry.Step)
	setString("STORE_PATH", &c.Store.Path)
}

// fillDefaults re-applies defaults for values the file zeroed or omitted.
func (c *Config) fillDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Graph.VectorDim <= 0 {
		c.Graph.VectorDim = 768
	}
	if c.Graph.BatchSize <= 0 {
		c.Graph.BatchSize = 500
	}
	if c.Scheduler.MaxInflight <= 0 {
		c.Scheduler.MaxInflight = 8
	}
	if c.PERL.MaxIterations <= 0 {
		c.PERL.MaxIterations = 5
	}
	if c.PERL.Retry.Plan <= 0 {
		c.PERL.Retry.Plan = 2
	}
	if c.PERL.Retry.Step <= 0 {
		c.PERL.Retry.Step = 2
	}
	if c.Health.Thresholds.Healthy <= 0 {
		c.Health.Thresholds.Healthy = 75
	}
	if c.Health.Thresholds.Warning <= 0 {
		c.Health.Thresholds.Warning = 40
	}
	if c.Compaction.RetainDays <= 0 {
		c.Compaction.RetainDays = 30
	}
	if c.Pipelines == nil {
		c.Pipelines = make(map[string]PipelineConfig)
	}
	for _, name := range PipelineNames {
		p := c.Pipelines[name]
		if p.IntervalSeconds <= 0 {
			p.IntervalSeconds = 300
		}
		if p.MissThreshold <= 0 {
			p.MissThreshold = 3
		}
		c.Pipelines[name] = p
	}
}

// Validate checks required keys and rejects unknown pipeline names.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"graph.uri", c.Graph.URI},
		{"graph.username", c.Graph.Username},
		{"graph.password", c.Graph.Password},
		{"vault.path", c.Vault.Path},
		{"mcp.config_path", c.MCP.ConfigPath},
	}
	for _, r := range required {
		if r.value == "" {
			return MissingConfig(r.key)
		}
	}

	for name := range c.Pipelines {
		known := false
		for _, n := range PipelineNames {
			if n == name {
				known = true
				break
			}
		}
		if !known {
			return errs.Ef("config.Validate", errs.KindBadRequest, "unknown pipeline %q", name)
		}
	}
	return nil
}

// MissingConfig returns the startup error for an absent required key.
func MissingConfig(key string) error {
	return errs.Ef("config.Validate", errs.KindBadRequest,
		"missing required config key %q (set it in config.yaml or %s%s)",
		key, EnvPrefix, strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)))
}
