// Package orchestrator owns the engine's component instances and exposes
// the programmatic surface: tasks, goals, sync, status and health. There is
// no process-wide state; construct an Orchestrator and pass it around.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/halyard/stackgraph/internal/config"
	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/loop"
	"github.com/halyard/stackgraph/internal/otel"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
	"github.com/halyard/stackgraph/internal/shared"
	"github.com/halyard/stackgraph/internal/syncer"
)

// ProjectID is the id of the Project singleton node every sync pipeline
// hangs its entities off.
const ProjectID = "stackgraph"

// Orchestrator wires providers, the graph store, the synchronizer, the
// agent registry and the planning loop together.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	graph      *graph.Store
	store      *persistence.Store
	journal    *journal.Journal
	registry   *registry.Registry
	dispatcher *registry.Dispatcher
	runner     *syncer.Runner
	scheduler  *syncer.Scheduler
	watcher    *provider.VaultWatcher
	loop       *loop.Loop
	assessor   *loop.Assessor

	docker   *provider.DockerRuntime
	vault    *provider.Vault
	mcpReg   *provider.MCPRegistry
	workflow *provider.WorkflowServer
	vcs      *provider.VCS
	textGen  provider.TextGen
	embedder *provider.OllamaEmbedder

	providers map[string]provider.Provider
	watcherWG chan struct{}
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

// SetTelemetry installs metric instruments and the tracer from an
// initialized telemetry provider. Without it the orchestrator records
// nothing.
func (o *Orchestrator) SetTelemetry(p *otel.Provider) error {
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		return err
	}
	o.metrics = m
	o.tracer = p.Tracer
	return nil
}

// graphProbe adapts the graph store to the provider probe shape for status
// reporting and dispatch preconditions.
type graphProbe struct {
	store *graph.Store
}

func (g graphProbe) Name() string                      { return "graph" }
func (g graphProbe) Reachable(ctx context.Context) error { return g.store.Reachable(ctx) }

// New constructs the full engine. Only configuration and bootstrap errors
// surface here; provider outages show up later as reachability failures.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = filepath.Join("data", "stackgraph.db")
	}
	store, err := persistence.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if recovered, err := store.RecoverInProgress(ctx); err != nil {
		logger.Warn("failed to recover interrupted tasks", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered interrupted tasks", "count", recovered)
	}

	jnl, err := journal.Open(filepath.Join(filepath.Dir(storePath), "ignored.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open ignored journal: %w", err)
	}

	g, err := graph.New(ctx, graph.Config{
		URI:       cfg.Graph.URI,
		Username:  cfg.Graph.Username,
		Password:  cfg.Graph.Password,
		VectorDim: cfg.Graph.VectorDim,
		BatchSize: cfg.Graph.BatchSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}

	docker, err := provider.NewDockerRuntime()
	if err != nil {
		return nil, fmt.Errorf("construct container runtime: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		graph:    g,
		store:    store,
		journal:  jnl,
		registry: registry.New(),
		docker:   docker,
		vault:    provider.NewVault(cfg.Vault.Path),
		mcpReg:   provider.NewMCPRegistry(cfg.MCP.ConfigPath),
		workflow: provider.NewWorkflowServer(cfg.Workflow.BaseURL, cfg.Workflow.Credentials, 30*time.Second),
		embedder: provider.NewOllamaEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.Name, cfg.Graph.VectorDim),
		textGen:  newTextGen(ctx, cfg.TextGen),
	}
	if cfg.VCS.Path != "" {
		o.vcs = provider.NewVCS(cfg.VCS.Path)
	}

	o.providers = map[string]provider.Provider{
		"docker":     o.docker,
		"vault":      o.vault,
		"mcp":        o.mcpReg,
		"workflow":   o.workflow,
		"graph":      graphProbe{store: g},
		"embeddings": o.embedder,
	}
	if o.vcs != nil {
		o.providers["vcs"] = o.vcs
	}

	o.dispatcher = registry.NewDispatcher(registry.DispatcherConfig{
		Registry:    o.registry,
		Store:       store,
		Providers:   o.providers,
		Graph:       g,
		Logger:      logger,
		MaxInflight: cfg.Scheduler.MaxInflight,
	})

	o.buildSyncer()
	if err := o.buildLoop(); err != nil {
		return nil, err
	}
	o.assessor = loop.NewAssessor(o.registry, store, o.providers, jnl, loop.Thresholds{
		Healthy: cfg.Health.Thresholds.Healthy,
		Warning: cfg.Health.Thresholds.Warning,
	}, logger)

	if err := o.registerBuiltins(); err != nil {
		return nil, err
	}

	if err := o.bootstrap(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// bootstrap prepares graph constraints and the Project singleton.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	if err := o.graph.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap graph schema: %w", err)
	}
	_, err := o.graph.UpsertNode(ctx, graph.LabelProject, ProjectID, map[string]any{
		"name": ProjectID,
	}, nil)
	if err != nil {
		return fmt.Errorf("seed project node: %w", err)
	}
	return nil
}

func (o *Orchestrator) buildSyncer() {
	cfg := o.cfg
	pipelines := []syncer.Pipeline{
		syncer.NewServicesPipeline(o.docker, o.graph, o.journal, o.logger, ProjectID,
			cfg.Pipelines["services"].MissThreshold),
		syncer.NewMCPPipeline(o.mcpReg, o.docker, o.graph, o.journal, o.logger),
		syncer.NewNotesPipeline(o.vault, o.graph, o.embedder, o.store, o.journal, o.logger),
		syncer.NewConfigsPipeline(o.configPaths(), o.graph, o.journal, o.logger, ProjectID),
		syncer.NewAgentsPipeline(o.agentCatalog, o.graph, o.journal, o.logger, ProjectID),
	}
	o.runner = syncer.NewRunner(o.logger, o.journal, pipelines...)

	var schedules []syncer.Schedule
	for _, name := range config.PipelineNames {
		p := cfg.Pipelines[name]
		schedules = append(schedules, syncer.Schedule{
			Pipeline: name,
			Interval: time.Duration(p.IntervalSeconds) * time.Second,
			CronExpr: p.Schedule,
		})
	}
	o.scheduler = syncer.NewScheduler(o.runner, o.logger, schedules)
	o.watcher = provider.NewVaultWatcher(cfg.Vault.Path, 2*time.Second, o.logger)
}

func (o *Orchestrator) buildLoop() error {
	planner, err := loop.NewPlanner(o.textGen, o.registry, o.cfg.PERL.Retry.Plan, o.logger)
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}
	reviewer, err := loop.NewReviewer(o.textGen, o.logger)
	if err != nil {
		return fmt.Errorf("compile verdict schema: %w", err)
	}
	executor := loop.NewExecutor(o.dispatcher, o.cfg.PERL.Retry.Step, o.logger)
	o.loop = loop.New(planner, executor, reviewer, o.cfg.PERL.MaxIterations, o.logger)
	return nil
}

// configPaths lists the tracked configuration files for the configs
// pipeline.
func (o *Orchestrator) configPaths() []string {
	var paths []string
	if o.cfg.Container.ComposePath != "" {
		paths = append(paths, o.cfg.Container.ComposePath)
	}
	if o.cfg.MCP.ConfigPath != "" {
		paths = append(paths, o.cfg.MCP.ConfigPath)
	}
	return paths
}

// agentCatalog feeds the agents pipeline from the live registry.
func (o *Orchestrator) agentCatalog() []syncer.AgentInfo {
	catalog := o.registry.Catalog()
	out := make([]syncer.AgentInfo, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, syncer.AgentInfo{
			Kind:         d.Kind,
			Description:  d.Description,
			Capabilities: d.Capabilities,
		})
	}
	return out
}

// newTextGen translates the logical backend selector ("provider/model" or
// a bare model name) into a text-gen provider.
func newTextGen(ctx context.Context, cfg config.TextGenConfig) provider.TextGen {
	prov, model := "google", cfg.Name
	if before, after, found := strings.Cut(cfg.Name, "/"); found {
		prov, model = before, after
	}
	return provider.NewGenkitTextGen(ctx, provider.TextGenConfig{
		Provider: prov,
		Model:    model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
}

// Start launches the sync scheduler and the vault watcher. Vault changes
// trigger the notes pipeline through the scheduler's coalescing.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.scheduler.Start(ctx)
	if err := o.watcher.Start(ctx); err != nil {
		o.logger.Warn("vault watcher unavailable", "error", err)
		return nil
	}
	o.watcherWG = make(chan struct{})
	go func() {
		defer close(o.watcherWG)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-o.watcher.Changes():
				if !ok {
					return
				}
				if err := o.scheduler.Trigger("notes"); err != nil {
					o.logger.Warn("failed to trigger notes sync", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops background work and releases connections.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.scheduler.Stop()
	if o.watcherWG != nil {
		<-o.watcherWG
	}
	if err := o.dispatcher.FlushPerformance(ctx); err != nil {
		o.logger.Warn("final performance flush failed", "error", err)
	}
	o.docker.Close()
	if err := o.store.Close(); err != nil {
		o.logger.Warn("task store close failed", "error", err)
	}
	return o.graph.Close(ctx)
}

// CreateTask queues a pending task for a registered agent kind.
func (o *Orchestrator) CreateTask(ctx context.Context, kind, description string, params map[string]any) (*persistence.Task, error) {
	task, err := o.dispatcher.CreateTask(ctx, kind, description, params)
	if err == nil && o.metrics != nil {
		o.metrics.TaskQueueDepth.Add(ctx, 1)
	}
	return task, err
}

// ExecuteTask dispatches one pending task to a terminal state.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) registry.TaskResult {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if o.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, o.tracer, "task.execute", otel.AttrTaskID.String(taskID))
		defer span.End()
	}
	result := o.dispatcher.Dispatch(ctx, taskID)
	if o.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrAgentKind.String(result.Kind))
		if !result.Success {
			trace.SpanFromContext(ctx).SetAttributes(otel.AttrErrorKind.String(string(result.ErrorKind)))
		}
	}
	if o.metrics != nil {
		o.metrics.TaskQueueDepth.Add(ctx, -1)
		attrs := metric.WithAttributes(otel.AttrAgentKind.String(result.Kind))
		o.metrics.TaskDuration.Record(ctx, float64(result.LatencyMS)/1000, attrs)
		if !result.Success {
			o.metrics.TaskFailures.Add(ctx, 1, attrs)
		}
	}
	return result
}

// CancelTask cancels a pending or in-progress task.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	return o.dispatcher.Cancel(ctx, taskID)
}

// RunGoal drives a natural-language goal through the planning loop.
// maxIterations overrides the configured ceiling when positive.
func (o *Orchestrator) RunGoal(ctx context.Context, goal string, maxIterations int) loop.GoalResult {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if o.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, o.tracer, "goal.run", otel.AttrGoal.String(goal))
		defer span.End()
	}
	if o.metrics != nil {
		o.metrics.ActiveGoals.Add(ctx, 1)
		defer o.metrics.ActiveGoals.Add(ctx, -1)
	}
	result := o.loop.RunGoal(ctx, goal, maxIterations)
	if o.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrIteration.Int(result.Iterations))
	}
	if o.metrics != nil {
		o.metrics.GoalIterations.Record(ctx, int64(result.Iterations),
			metric.WithAttributes(attribute.String("verdict", string(result.Verdict))))
	}
	return result
}

// Sync runs one pipeline by name, or every pipeline for "all" or "".
func (o *Orchestrator) Sync(ctx context.Context, name string) (syncer.SyncReport, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, o.tracer, "sync.run", otel.AttrPipeline.String(name))
		defer span.End()
	}
	if name == "" || name == "all" {
		report := o.runner.RunAll(ctx)
		o.recordSync(ctx, report)
		return report, nil
	}
	started := time.Now()
	result, err := o.runner.RunOne(ctx, name)
	if err != nil {
		return syncer.SyncReport{}, err
	}
	report := syncer.SyncReport{
		StartedAt:       started,
		FinishedAt:      time.Now(),
		Pipelines:       []syncer.PipelineResult{result},
		CorrelationRule: syncer.CorrelationRule,
	}
	o.recordSync(ctx, report)
	return report, nil
}

func (o *Orchestrator) recordSync(ctx context.Context, report syncer.SyncReport) {
	if o.metrics == nil {
		return
	}
	for _, p := range report.Pipelines {
		attrs := metric.WithAttributes(otel.AttrPipeline.String(p.Pipeline))
		o.metrics.SyncDuration.Record(ctx, p.Duration.Seconds(), attrs)
		o.metrics.SyncWrites.Add(ctx, int64(p.Changes()), attrs)
		o.metrics.SyncIgnored.Add(ctx, int64(p.Ignored), attrs)
	}
}

// HealthCheck assembles the metrics, issues and recommendations report.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*loop.HealthReport, error) {
	return o.assessor.Assess(ctx)
}
