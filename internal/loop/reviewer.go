package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
)

const reviewerSystem = `You are the reviewer of an infrastructure engine. Judge whether
the executed steps satisfied the goal. Base your verdict only on the goal
and the step results given; do not assume other information. Answer
goal_met when the goal is satisfied, goal_not_met when another attempt
could satisfy it, fatal when no plan can.`

// Reviewer judges (goal, results) and returns a closed verdict. It reads
// nothing beyond what it is handed; providers are out of reach.
type Reviewer struct {
	gen       provider.TextGen
	validator *registry.Validator
	logger    *slog.Logger
}

func NewReviewer(gen provider.TextGen, logger *slog.Logger) (*Reviewer, error) {
	v, err := VerdictValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{gen: gen, validator: v, logger: logger}, nil
}

// Review returns the verdict for one iteration. Output that fails the
// verdict schema is a ReviewInconclusive error, which the loop treats as
// a re-plan trigger.
func (r *Reviewer) Review(ctx context.Context, goal string, results []registry.TaskResult) (*Review, error) {
	prompt := fmt.Sprintf("Goal: %s\n\nStep results:\n%s", goal, describeResults(results))
	raw, err := r.gen.Generate(ctx, provider.GenRequest{
		System:     reviewerSystem,
		Prompt:     prompt,
		SchemaHint: string(r.validator.SchemaJSON()),
	})
	if err != nil {
		return nil, err
	}

	doc := registry.ExtractJSON(raw)
	if doc == "" {
		return nil, errs.Ef("loop.Review", errs.KindReviewInconclusive,
			"no JSON object in reviewer output")
	}
	if err := r.validator.Validate([]byte(doc)); err != nil {
		return nil, errs.Ef("loop.Review", errs.KindReviewInconclusive,
			"reviewer output failed the verdict schema: %v", err)
	}
	var review Review
	if err := json.Unmarshal([]byte(doc), &review); err != nil {
		return nil, errs.E("loop.Review", errs.KindReviewInconclusive, err)
	}
	return &review, nil
}
