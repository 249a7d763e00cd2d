package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
)

// Executor materializes plan steps into tasks and dispatches them. Steps
// run sequentially in declared order; a run of consecutive steps marked
// independent fans out and its results are merged back in declared order.
type Executor struct {
	dispatcher *registry.Dispatcher
	retries    int
	logger     *slog.Logger
}

// NewExecutor builds an executor with the given per-step retry budget for
// retriable failures.
func NewExecutor(d *registry.Dispatcher, retries int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{dispatcher: d, retries: retries, logger: logger}
}

// Execute runs every step of the plan. It returns the results gathered so
// far along with the first non-retriable error, if any. Cancellation is
// honored between steps: a cancelled context stops before the next
// dispatch.
func (e *Executor) Execute(ctx context.Context, plan *Plan) ([]registry.TaskResult, error) {
	results := make([]registry.TaskResult, 0, len(plan.Steps))
	for i := 0; i < len(plan.Steps); {
		if err := ctx.Err(); err != nil {
			return results, errs.E("loop.Execute", errs.KindCancelled, err)
		}

		// A run of consecutive independent steps fans out together.
		j := i
		for j < len(plan.Steps) && plan.Steps[j].Independent {
			j++
		}
		if j > i+1 {
			group, err := e.fanOut(ctx, plan.Steps[i:j])
			results = append(results, group...)
			if err != nil {
				return results, err
			}
			i = j
			continue
		}

		result, err := e.runStep(ctx, plan.Steps[i])
		results = append(results, result)
		if err != nil {
			return results, err
		}
		i++
	}
	return results, nil
}

// fanOut dispatches independent steps concurrently and merges their
// results in declared order. The first failure in declared order wins.
func (e *Executor) fanOut(ctx context.Context, steps []Step) ([]registry.TaskResult, error) {
	results := make([]registry.TaskResult, len(steps))
	failures := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step Step) {
			defer wg.Done()
			results[i], failures[i] = e.runStep(ctx, step)
		}(i, step)
	}
	wg.Wait()
	for _, err := range failures {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// runStep dispatches one step, retrying retriable failures with
// exponential backoff. Each attempt is a fresh task: terminal tasks never
// re-enter in_progress.
func (e *Executor) runStep(ctx context.Context, step Step) (registry.TaskResult, error) {
	var result registry.TaskResult
	for attempt := 0; ; attempt++ {
		task, err := e.dispatcher.CreateTask(ctx, step.AgentKind, step.Action, step.Params)
		if err != nil {
			return registry.TaskResult{Kind: step.AgentKind, Error: err.Error(), ErrorKind: errs.KindOf(err), Attempts: attempt + 1}, err
		}
		result = e.dispatcher.Dispatch(ctx, task.ID)
		result.Attempts = attempt + 1
		if result.Success {
			return result, nil
		}

		if !errs.Retriable(result.ErrorKind) || attempt >= e.retries {
			if !errs.Retriable(result.ErrorKind) {
				return result, errs.Ef("loop.runStep", result.ErrorKind,
					"step %q failed: %s", step.Action, result.Error)
			}
			// Retriable but out of budget: surface as a retriable
			// failure so the loop can re-plan.
			return result, errs.Ef("loop.runStep", result.ErrorKind,
				"step %q exhausted %d attempts: %s", step.Action, attempt+1, result.Error)
		}

		delay := provider.Backoff(attempt)
		e.logger.Debug("retrying plan step",
			"action", step.Action, "agent", step.AgentKind,
			"attempt", attempt+1, "kind", result.ErrorKind, "delay", delay)
		select {
		case <-ctx.Done():
			return result, errs.E("loop.runStep", errs.KindCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// describeResults renders results for the reviewer prompt.
func describeResults(results []registry.TaskResult) string {
	if len(results) == 0 {
		return "no steps were executed"
	}
	out := ""
	for i, r := range results {
		status := "ok"
		if !r.Success {
			status = fmt.Sprintf("failed (%s: %s)", r.ErrorKind, r.Error)
		}
		out += fmt.Sprintf("%d. agent=%s %s latency=%dms attempts=%d\n",
			i+1, r.Kind, status, r.LatencyMS, r.Attempts)
	}
	return out
}
