package orchestrator

import (
	"context"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
)

// Builtin agent argument schemas. Cross-field rules the schema language
// cannot express (restart needs a name, add needs a command or url) are
// enforced in the handlers.
const (
	workflowArgs = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["list", "execute"]},
			"workflow_id": {"type": "string"},
			"name": {"type": "string"},
			"input": {"type": "object"}
		},
		"additionalProperties": false
	}`
	containerArgs = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["list", "inspect", "restart"]},
			"name": {"type": "string"}
		},
		"additionalProperties": false
	}`
	mcpArgs = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["list", "add", "remove"]},
			"name": {"type": "string"},
			"command": {"type": "string"},
			"args": {"type": "array", "items": {"type": "string"}},
			"url": {"type": "string"},
			"transport": {"type": "string"},
			"env": {"type": "object", "additionalProperties": {"type": "string"}},
			"description": {"type": "string"},
			"enabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}`
	notesArgs = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["sync", "search"]},
			"query": {"type": "string"},
			"k": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"additionalProperties": false
	}`
	graphArgs = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["stats", "compact"]}
		},
		"additionalProperties": false
	}`
	syncArgs = `{
		"type": "object",
		"properties": {
			"pipeline": {"type": "string"}
		},
		"additionalProperties": false
	}`
	emptyArgs = `{"type": "object", "additionalProperties": false}`
)

// registerBuiltins installs the engine's own agent kinds.
func (o *Orchestrator) registerBuiltins() error {
	builtins := []struct {
		kind         string
		description  string
		schema       string
		capabilities []string
		handler      registry.Handler
	}{
		{
			kind:         "workflow",
			description:  "lists and executes workflows on the workflow server",
			schema:       workflowArgs,
			capabilities: []string{"workflow"},
			handler:      o.handleWorkflow,
		},
		{
			kind:         "container",
			description:  "inspects and restarts containers",
			schema:       containerArgs,
			capabilities: []string{"docker"},
			handler:      o.handleContainer,
		},
		{
			kind:         "mcp",
			description:  "manages the MCP server registry",
			schema:       mcpArgs,
			capabilities: []string{"mcp"},
			handler:      o.handleMCP,
		},
		{
			kind:         "notes",
			description:  "reindexes the note vault and searches notes by meaning",
			schema:       notesArgs,
			capabilities: []string{"vault", "graph"},
			handler:      o.handleNotes,
		},
		{
			kind:         "graph",
			description:  "reports graph statistics and compacts old tombstones",
			schema:       graphArgs,
			capabilities: []string{"graph"},
			handler:      o.handleGraph,
		},
		{
			kind:         "sync",
			description:  "runs inventory sync pipelines",
			schema:       syncArgs,
			capabilities: []string{"graph"},
			handler:      o.handleSync,
		},
		{
			kind:        "monitor",
			description: "scores every agent's health",
			schema:      emptyArgs,
			handler:     o.handleMonitor,
		},
		{
			kind:        "optimize",
			description: "produces prioritized improvement recommendations",
			schema:      emptyArgs,
			handler:     o.handleOptimize,
		},
		{
			kind:        "tune",
			description: "suggests concrete parameter patches",
			schema:      emptyArgs,
			handler:     o.handleTune,
		},
	}

	for _, b := range builtins {
		validator, err := registry.NewValidator([]byte(b.schema))
		if err != nil {
			return err
		}
		err = o.registry.Register(registry.Descriptor{
			Kind:         b.kind,
			Description:  b.description,
			Handler:      b.handler,
			Schema:       validator,
			Capabilities: b.capabilities,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func (o *Orchestrator) handleWorkflow(ctx context.Context, params map[string]any) (any, error) {
	switch stringParam(params, "action") {
	case "execute":
		id := stringParam(params, "workflow_id")
		if id == "" {
			return nil, errs.Ef("agent.workflow", errs.KindBadRequest, "execute requires workflow_id")
		}
		input, _ := params["input"].(map[string]any)
		return o.workflow.Execute(ctx, id, input)
	default:
		return o.workflow.List(ctx)
	}
}

func (o *Orchestrator) handleContainer(ctx context.Context, params map[string]any) (any, error) {
	name := stringParam(params, "name")
	switch stringParam(params, "action") {
	case "restart":
		if name == "" {
			return nil, errs.Ef("agent.container", errs.KindBadRequest, "restart requires a container name")
		}
		if err := o.docker.Restart(ctx, name); err != nil {
			return nil, err
		}
		return map[string]any{"restarted": name}, nil
	case "inspect":
		if name == "" {
			return nil, errs.Ef("agent.container", errs.KindBadRequest, "inspect requires a container name")
		}
		return o.docker.Describe(ctx, name)
	default:
		return o.docker.List(ctx)
	}
}

func (o *Orchestrator) handleMCP(ctx context.Context, params map[string]any) (any, error) {
	switch stringParam(params, "action") {
	case "add":
		rec := provider.MCPServerRecord{
			Name:        stringParam(params, "name"),
			Command:     stringParam(params, "command"),
			URL:         stringParam(params, "url"),
			Transport:   stringParam(params, "transport"),
			Description: stringParam(params, "description"),
			Enabled:     true,
		}
		if enabled, ok := params["enabled"].(bool); ok {
			rec.Enabled = enabled
		}
		if raw, ok := params["args"].([]any); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					rec.Args = append(rec.Args, s)
				}
			}
		}
		if raw, ok := params["env"].(map[string]any); ok {
			rec.Env = make(map[string]string, len(raw))
			for k, v := range raw {
				if s, ok := v.(string); ok {
					rec.Env[k] = s
				}
			}
		}
		if err := o.mcpReg.Add(ctx, rec); err != nil {
			return nil, err
		}
		return map[string]any{"added": rec.Name}, nil
	case "remove":
		name := stringParam(params, "name")
		if err := o.mcpReg.Remove(ctx, name); err != nil {
			return nil, err
		}
		return map[string]any{"removed": name}, nil
	default:
		return o.mcpReg.List(ctx)
	}
}

func (o *Orchestrator) handleNotes(ctx context.Context, params map[string]any) (any, error) {
	switch stringParam(params, "action") {
	case "search":
		query := stringParam(params, "query")
		if query == "" {
			return nil, errs.Ef("agent.notes", errs.KindBadRequest, "search requires a query")
		}
		k := 5
		if n, ok := params["k"].(float64); ok {
			k = int(n)
		}
		return o.Similarity(ctx, query, k)
	default:
		return o.runner.RunOne(ctx, "notes")
	}
}

func (o *Orchestrator) handleGraph(ctx context.Context, params map[string]any) (any, error) {
	switch stringParam(params, "action") {
	case "compact":
		purged, err := o.Compact(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"purged": purged}, nil
	default:
		return o.graph.Statistics(ctx)
	}
}

func (o *Orchestrator) handleSync(ctx context.Context, params map[string]any) (any, error) {
	return o.Sync(ctx, stringParam(params, "pipeline"))
}

func (o *Orchestrator) handleMonitor(ctx context.Context, params map[string]any) (any, error) {
	return o.assessor.Monitor(ctx)
}

func (o *Orchestrator) handleOptimize(ctx context.Context, params map[string]any) (any, error) {
	report, err := o.assessor.Assess(ctx)
	if err != nil {
		return nil, err
	}
	return report.Recommendations, nil
}

func (o *Orchestrator) handleTune(ctx context.Context, params map[string]any) (any, error) {
	agents, err := o.assessor.Monitor(ctx)
	if err != nil {
		return nil, err
	}
	return o.assessor.Tune(agents), nil
}
