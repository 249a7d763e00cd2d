package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/shared"
)

// TaskResult is the terminal outcome of one dispatch.
type TaskResult struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	ErrorKind errs.Kind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Attempts  int       `json:"attempts"`
}

// graphBatcher is the graph slice the dispatcher uses to flush agent
// performance.
type graphBatcher interface {
	Batch(ctx context.Context, ops []graph.WriteOp) error
}

// Dispatcher executes tasks against the registry, enforcing precondition
// probes, schema validation, rate-limit sleeps and the global concurrency
// ceiling. It never retries a handler on its own.
type Dispatcher struct {
	registry   *Registry
	store      *persistence.Store
	providers  map[string]provider.Provider // capability -> provider
	grf        graphBatcher
	logger     *slog.Logger
	sem        chan struct{}
	flushEvery int

	mu          sync.Mutex
	nextAllowed map[string]time.Time // capability -> earliest next dispatch
	sinceFlush  int
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Registry  *Registry
	Store     *persistence.Store
	Providers map[string]provider.Provider
	Graph     graphBatcher
	Logger    *slog.Logger
	// MaxInflight bounds concurrent handler invocations, default 4.
	MaxInflight int
	// FlushEvery flushes buffered performance counters to Agent nodes
	// after this many dispatches, default 10.
	FlushEvery int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		store:       cfg.Store,
		providers:   cfg.Providers,
		grf:         cfg.Graph,
		logger:      cfg.Logger,
		sem:         make(chan struct{}, cfg.MaxInflight),
		flushEvery:  cfg.FlushEvery,
		nextAllowed: make(map[string]time.Time),
	}
}

// CreateTask queues a new pending task. Creation never blocks on dispatch.
func (d *Dispatcher) CreateTask(ctx context.Context, kind, description string, params map[string]any) (*persistence.Task, error) {
	if !d.registry.Known(kind) {
		return nil, errs.Ef("registry.CreateTask", errs.KindBadRequest, "agent kind %q not registered", kind)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, errs.E("registry.CreateTask", errs.KindBadRequest, err)
	}
	id, err := d.store.CreateTask(ctx, kind, description, string(payload))
	if err != nil {
		return nil, err
	}
	return d.store.GetTask(ctx, id)
}

// Cancel cancels a pending or in-progress task.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	return d.store.CancelTask(ctx, taskID)
}

// Dispatch runs one task to a terminal state and returns its result. The
// task must be pending.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) TaskResult {
	started := time.Now()
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskResult{TaskID: taskID, ErrorKind: errs.KindOf(err), Error: err.Error(), Attempts: 1}
	}
	result := TaskResult{TaskID: taskID, Kind: task.AgentKind, Attempts: 1}
	// The task id rides the context so the handler's and store's log lines
	// correlate back to this dispatch.
	ctx = shared.WithTaskID(ctx, taskID)

	fail := func(err error) TaskResult {
		result.Success = false
		result.ErrorKind = errs.KindOf(err)
		result.Error = err.Error()
		result.LatencyMS = time.Since(started).Milliseconds()
		if ferr := d.store.FailTask(ctx, taskID, err.Error()); ferr != nil {
			d.logger.ErrorContext(ctx, "failed to mark task failed", "task", taskID, "error", ferr)
		}
		d.account(ctx, task.AgentKind, false, time.Since(started))
		return result
	}

	// A task abandoned because its context ended is cancelled, not failed,
	// and does not count against the agent's invocation stats. The
	// terminal write gets a fresh context since ctx is already done.
	cancelled := func(err error) TaskResult {
		result.Success = false
		result.ErrorKind = errs.KindCancelled
		result.Error = err.Error()
		result.LatencyMS = time.Since(started).Milliseconds()
		if cerr := d.store.CancelTask(context.Background(), taskID); cerr != nil {
			d.logger.ErrorContext(ctx, "failed to mark task cancelled", "task", taskID, "error", cerr)
		}
		return result
	}

	if err := d.store.StartTask(ctx, taskID); err != nil {
		result.ErrorKind = errs.KindOf(err)
		result.Error = err.Error()
		result.LatencyMS = time.Since(started).Milliseconds()
		return result
	}

	desc, err := d.registry.Get(task.AgentKind)
	if err != nil {
		return fail(err)
	}
	if !desc.DecayAfter.IsZero() && time.Now().After(desc.DecayAfter) {
		return fail(errs.Ef("registry.Dispatch", errs.KindPreconditionFailed, "agent %q registration decayed", desc.Kind))
	}

	// Precondition probes run before the handler: an unreachable required
	// provider fails the task without invoking it.
	for _, capability := range desc.Capabilities {
		p, ok := d.providers[capability]
		if !ok {
			return fail(errs.Ef("registry.Dispatch", errs.KindPreconditionFailed, "capability %q has no provider", capability))
		}
		if err := p.Reachable(ctx); err != nil {
			return fail(errs.Ef("registry.Dispatch", errs.KindPreconditionFailed, "capability %q unreachable: %v", capability, err))
		}
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(task.Payload), &params); err != nil {
		return fail(errs.Ef("registry.Dispatch", errs.KindBadRequest, "task payload is not a JSON object: %v", err))
	}
	if desc.Schema != nil {
		if err := desc.Schema.Validate([]byte(task.Payload)); err != nil {
			return fail(err)
		}
	}

	// Rate-limit gate, then the global ceiling.
	if err := d.waitRateLimit(ctx, desc.Capabilities); err != nil {
		if errs.KindOf(err) == errs.KindCancelled {
			return cancelled(err)
		}
		return fail(err)
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(errs.E("registry.Dispatch", errs.KindCancelled, ctx.Err()))
	}
	defer func() { <-d.sem }()

	data, err := desc.Handler(ctx, params)
	latency := time.Since(started)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindRateLimited {
			d.noteRateLimit(desc.Capabilities, errs.RetryAfterOf(err))
		}
		return fail(err)
	}

	resultJSON, merr := json.Marshal(data)
	if merr != nil {
		resultJSON = []byte(`{}`)
	}
	if err := d.store.CompleteTask(ctx, taskID, string(resultJSON)); err != nil {
		d.logger.ErrorContext(ctx, "failed to mark task completed", "task", taskID, "error", err)
	}
	d.account(ctx, task.AgentKind, true, latency)

	result.Success = true
	result.Data = data
	result.LatencyMS = latency.Milliseconds()
	return result
}

// DispatchAsync runs Dispatch cooperatively and reports the result to the
// callback, which may be nil.
func (d *Dispatcher) DispatchAsync(ctx context.Context, taskID string, done func(TaskResult)) {
	go func() {
		result := d.Dispatch(ctx, taskID)
		if done != nil {
			done(result)
		}
	}()
}

// waitRateLimit sleeps until every capability's advertised retry-after has
// passed.
func (d *Dispatcher) waitRateLimit(ctx context.Context, capabilities []string) error {
	var until time.Time
	d.mu.Lock()
	for _, c := range capabilities {
		if t, ok := d.nextAllowed[c]; ok && t.After(until) {
			until = t
		}
	}
	d.mu.Unlock()

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	d.logger.InfoContext(ctx, "rate limited, delaying dispatch", "wait", wait)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return errs.E("registry.waitRateLimit", errs.KindCancelled, ctx.Err())
	}
}

func (d *Dispatcher) noteRateLimit(capabilities []string, after time.Duration) {
	if after <= 0 {
		after = 5 * time.Second
	}
	until := time.Now().Add(after)
	d.mu.Lock()
	for _, c := range capabilities {
		d.nextAllowed[c] = until
	}
	d.mu.Unlock()
}

// account buffers invocation counters and flushes them to Agent nodes in
// batches.
func (d *Dispatcher) account(ctx context.Context, kind string, ok bool, latency time.Duration) {
	if err := d.store.RecordInvocation(ctx, kind, ok, latency); err != nil {
		d.logger.Warn("failed to record invocation", "agent", kind, "error", err)
	}
	d.mu.Lock()
	d.sinceFlush++
	due := d.sinceFlush >= d.flushEvery
	if due {
		d.sinceFlush = 0
	}
	d.mu.Unlock()
	if due {
		if err := d.FlushPerformance(ctx); err != nil {
			d.logger.Warn("performance flush failed", "error", err)
		}
	}
}

// FlushPerformance writes the buffered per-agent counters onto the Agent
// nodes' performance properties in one batch.
func (d *Dispatcher) FlushPerformance(ctx context.Context) error {
	if d.grf == nil {
		return nil
	}
	metrics, err := d.store.AllMetrics(ctx)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}
	ops := make([]graph.WriteOp, 0, len(metrics))
	for _, m := range metrics {
		avgLatency := int64(0)
		if m.Invocations > 0 {
			avgLatency = m.TotalDuration / m.Invocations
		}
		props := map[string]any{
			"performance_total_runs":     m.Invocations,
			"performance_success_rate":   m.SuccessRate(),
			"performance_avg_latency_ms": avgLatency,
		}
		if m.LastInvokedAt != nil {
			props["performance_last_run"] = m.LastInvokedAt.UTC().Format(time.RFC3339)
		}
		ops = append(ops, graph.WriteOp{
			Kind:  graph.OpUpsert,
			Label: graph.LabelAgent,
			ID:    m.AgentKind,
			Props: props,
		})
	}
	return d.grf.Batch(ctx, ops)
}
