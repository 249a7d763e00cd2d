package provider

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/shared"
)

// MCPServerRecord is one server entry from the registry file.
type MCPServerRecord struct {
	Name        string            `json:"name"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	URL         string            `json:"url,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
}

type mcpServerEntry struct {
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	URL         string            `json:"url,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
}

type mcpRegistryFile struct {
	Servers map[string]mcpServerEntry `json:"mcpServers"`
}

// MCPRegistry reads and rewrites the MCP server registry file. Writes go
// through a temp file rename so a crash never leaves a half-written
// registry behind.
type MCPRegistry struct {
	path string
	mu   sync.Mutex
}

func NewMCPRegistry(path string) *MCPRegistry {
	return &MCPRegistry{path: path}
}

func (r *MCPRegistry) Name() string { return "mcp" }

func (r *MCPRegistry) Path() string { return r.path }

// Reachable checks the registry file exists and parses.
func (r *MCPRegistry) Reachable(ctx context.Context) error {
	if _, err := r.load(); err != nil {
		return errs.E("mcp.Reachable", errs.KindProviderUnavailable, err)
	}
	return nil
}

// List returns all registered servers sorted by name. Env values are
// redacted; the raw values never leave the registry file.
func (r *MCPRegistry) List(ctx context.Context) ([]MCPServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.load()
	if err != nil {
		return nil, errs.E("mcp.List", errs.KindProviderUnavailable, err)
	}
	records := make([]MCPServerRecord, 0, len(reg.Servers))
	for name, entry := range reg.Servers {
		rec := MCPServerRecord{
			Name:        name,
			Command:     entry.Command,
			Args:        entry.Args,
			URL:         entry.URL,
			Transport:   entry.Transport,
			Enabled:     entry.Enabled,
			Description: entry.Description,
		}
		if len(entry.Env) > 0 {
			rec.Env = make(map[string]string, len(entry.Env))
			for k, v := range entry.Env {
				rec.Env[k] = shared.RedactEnvValue(k, v)
			}
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Add registers or replaces a server and rewrites the file.
func (r *MCPRegistry) Add(ctx context.Context, rec MCPServerRecord) error {
	if rec.Name == "" {
		return errs.Ef("mcp.Add", errs.KindBadRequest, "server name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.load()
	if err != nil {
		return errs.E("mcp.Add", errs.KindProviderUnavailable, err)
	}
	if reg.Servers == nil {
		reg.Servers = map[string]mcpServerEntry{}
	}
	reg.Servers[rec.Name] = mcpServerEntry{
		Command:     rec.Command,
		Args:        rec.Args,
		URL:         rec.URL,
		Transport:   rec.Transport,
		Env:         rec.Env,
		Enabled:     rec.Enabled,
		Description: rec.Description,
	}
	return r.save(reg)
}

// Remove deletes a server by name.
func (r *MCPRegistry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.load()
	if err != nil {
		return errs.E("mcp.Remove", errs.KindProviderUnavailable, err)
	}
	if _, ok := reg.Servers[name]; !ok {
		return errs.Ef("mcp.Remove", errs.KindNotFound, "server %q not registered", name)
	}
	delete(reg.Servers, name)
	return r.save(reg)
}

func (r *MCPRegistry) load() (mcpRegistryFile, error) {
	var reg mcpRegistryFile
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return reg, err
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, err
	}
	return reg, nil
}

// save writes the registry with sorted keys and two-space indent so
// repeated saves of the same content are byte-identical.
func (r *MCPRegistry) save(reg mcpRegistryFile) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return errs.E("mcp.save", errs.KindTransientIO, err)
	}
	data = append(data, '\n')
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.E("mcp.save", errs.KindTransientIO, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errs.E("mcp.save", errs.KindTransientIO, err)
	}
	return nil
}
