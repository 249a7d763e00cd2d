package syncer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/shared"
)

// Pipeline is one named observe-diff-apply cycle.
type Pipeline interface {
	Name() string
	Run(ctx context.Context) (PipelineResult, error)
}

// graphStore is the slice of the graph surface the pipelines need.
type graphStore interface {
	Projection(ctx context.Context, label graph.Label) (map[string]graph.Node, error)
	Batch(ctx context.Context, ops []graph.WriteOp) error
}

// Runner owns the pipeline set and serializes each pipeline against
// itself. A trigger arriving while the same pipeline is in flight is
// coalesced into exactly one follow-up run; different pipelines run
// concurrently.
type Runner struct {
	logger    *slog.Logger
	journal   *journal.Journal
	pipelines map[string]Pipeline
	order     []string

	mu      sync.Mutex
	running map[string]bool
	queued  map[string]bool
}

func NewRunner(logger *slog.Logger, jnl *journal.Journal, pipelines ...Pipeline) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:    logger,
		journal:   jnl,
		pipelines: make(map[string]Pipeline, len(pipelines)),
		running:   make(map[string]bool),
		queued:    make(map[string]bool),
	}
	for _, p := range pipelines {
		r.pipelines[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// Names returns the registered pipeline names in registration order.
func (r *Runner) Names() []string {
	return append([]string{}, r.order...)
}

// RunOne executes a single pipeline by name, honoring the coalescing rule.
func (r *Runner) RunOne(ctx context.Context, name string) (PipelineResult, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return PipelineResult{}, errs.Ef("syncer.RunOne", errs.KindNotFound, "unknown pipeline %q", name)
	}

	r.mu.Lock()
	if r.running[name] {
		// Coalesce: mark one follow-up run and return without blocking.
		r.queued[name] = true
		r.mu.Unlock()
		return PipelineResult{Pipeline: name}, errs.Ef("syncer.RunOne", errs.KindPreconditionFailed, "pipeline %q already running; follow-up queued", name)
	}
	r.running[name] = true
	r.mu.Unlock()

	result, err := r.execute(ctx, p)

	// The running flag is held across coalesced follow-ups: a trigger
	// landing mid-follow-up queues another round instead of entering
	// execute concurrently with it.
	for {
		r.mu.Lock()
		if !r.queued[name] || ctx.Err() != nil {
			r.queued[name] = false
			r.running[name] = false
			r.mu.Unlock()
			break
		}
		r.queued[name] = false
		r.mu.Unlock()

		followUp, _ := r.execute(ctx, p)
		r.logger.Debug("coalesced follow-up run complete", "pipeline", name, "changes", followUp.Changes())
	}
	return result, err
}

// RunAll executes every registered pipeline and aggregates the report.
// Pipeline failures are captured in the report, never raised.
func (r *Runner) RunAll(ctx context.Context) SyncReport {
	report := SyncReport{
		StartedAt:       time.Now().UTC(),
		CorrelationRule: CorrelationRule,
	}
	for _, name := range r.order {
		p := r.pipelines[name]

		r.mu.Lock()
		if r.running[name] {
			r.queued[name] = true
			r.mu.Unlock()
			report.Pipelines = append(report.Pipelines, PipelineResult{
				Pipeline: name,
				Error:    "already running; follow-up queued",
			})
			continue
		}
		r.running[name] = true
		r.mu.Unlock()

		result, err := r.execute(ctx, p)

		r.mu.Lock()
		r.running[name] = false
		r.queued[name] = false
		r.mu.Unlock()

		report.Pipelines = append(report.Pipelines, result)
		switch errs.KindOf(err) {
		case errs.KindProviderUnavailable, errs.KindGraphUnavailable:
			report.Unreachable = append(report.Unreachable, name)
		}
	}
	sort.Strings(report.Unreachable)
	report.FinishedAt = time.Now().UTC()
	return report
}

func (r *Runner) execute(ctx context.Context, p Pipeline) (PipelineResult, error) {
	// Each run gets its own trace id; the pipeline name rides the context
	// so every log line below carries both.
	ctx = shared.WithPipeline(shared.WithTraceID(ctx, shared.NewTraceID()), p.Name())
	started := time.Now()
	result, err := p.Run(ctx)
	result.Pipeline = p.Name()
	result.Duration = time.Since(started)
	if err != nil {
		result.Error = err.Error()
		r.logger.ErrorContext(ctx, "pipeline failed", "error", err, "duration", result.Duration)
		return result, err
	}
	r.logger.InfoContext(ctx, "pipeline complete",
		"observed", result.Observed,
		"created", result.Created,
		"updated", result.Updated,
		"tombstoned", result.Tombstoned,
		"edges", result.Edges,
		"ignored", result.Ignored,
		"duration", result.Duration,
	)
	return result, nil
}
