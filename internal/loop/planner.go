package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
)

const plannerSystem = `You are the planner of an infrastructure engine. Given a goal,
produce an ordered plan of steps. Each step names an action, the agent kind
that performs it, and optional params. Only use agent kinds from the
provided catalog. Mark a step "independent": true only when it shares no
mutable target with its neighbors.`

// Planner turns a goal and an optional prior review into a validated plan.
type Planner struct {
	gen       provider.TextGen
	registry  *registry.Registry
	validator *registry.Validator
	retries   int
	logger    *slog.Logger
}

// NewPlanner builds a planner with the given retry budget for invalid
// output. retries <= 0 means one attempt, no retry.
func NewPlanner(gen provider.TextGen, reg *registry.Registry, retries int, logger *slog.Logger) (*Planner, error) {
	v, err := PlanValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{gen: gen, registry: reg, validator: v, retries: retries, logger: logger}, nil
}

// Plan asks the text-gen backend for a plan and validates it. Invalid
// output is retried up to the budget; exceeding the budget returns
// PlanInvalid.
func (p *Planner) Plan(ctx context.Context, goal string, prior *Review) (*Plan, error) {
	prompt := p.buildPrompt(goal, prior)
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.E("loop.Plan", errs.KindCancelled, err)
		}
		raw, err := p.gen.Generate(ctx, provider.GenRequest{
			System:     plannerSystem,
			Prompt:     prompt,
			SchemaHint: string(p.validator.SchemaJSON()),
		})
		if err != nil {
			return nil, err
		}
		plan, err := p.parse(raw)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		p.logger.WarnContext(ctx, "planner output invalid, retrying",
			"attempt", attempt+1, "error", err)
	}
	return nil, errs.Ef("loop.Plan", errs.KindPlanInvalid,
		"planner produced no valid plan in %d attempts: %v", p.retries+1, lastErr)
}

func (p *Planner) parse(raw string) (*Plan, error) {
	doc := registry.ExtractJSON(raw)
	if doc == "" {
		return nil, fmt.Errorf("no JSON object in planner output")
	}
	if err := p.validator.Validate([]byte(doc)); err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return nil, err
	}
	for i, step := range plan.Steps {
		if !p.registry.Known(step.AgentKind) {
			return nil, fmt.Errorf("step %d names unknown agent kind %q", i, step.AgentKind)
		}
	}
	return &plan, nil
}

func (p *Planner) buildPrompt(goal string, prior *Review) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nAvailable agent kinds:\n", goal)
	for _, d := range p.registry.Catalog() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Kind, d.Description)
	}
	if prior != nil {
		fmt.Fprintf(&b, "\nPrevious attempt was reviewed as %s: %s\nProduce a revised plan that addresses the review.\n",
			prior.Verdict, prior.Reason)
	}
	return b.String()
}
