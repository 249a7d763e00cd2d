package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/shared"
)

// Loop is the bounded goal driver: plan, execute, review, and either stop
// or go around again. It always terminates within the iteration ceiling
// and it never raises out of RunGoal.
type Loop struct {
	planner       *Planner
	executor      *Executor
	reviewer      *Reviewer
	maxIterations int
	logger        *slog.Logger
}

func New(planner *Planner, executor *Executor, reviewer *Reviewer, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		planner:       planner,
		executor:      executor,
		reviewer:      reviewer,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// RunGoal drives the goal to a terminal verdict. maxIterations overrides
// the configured ceiling when positive. Failures of any node become a
// populated GoalResult, never a raised error.
func (l *Loop) RunGoal(ctx context.Context, goal string, maxIterations int) GoalResult {
	ceiling := l.maxIterations
	if maxIterations > 0 {
		ceiling = maxIterations
	}
	ctx = shared.WithGoalID(ctx, shared.NewGoalID())
	started := time.Now()
	state := &State{Goal: goal}

	finish := func(verdict Verdict, errText string) GoalResult {
		return GoalResult{
			Goal:       goal,
			Verdict:    verdict,
			Iterations: state.Iteration,
			Plans:      state.Plans,
			Results:    state.Results,
			Error:      errText,
			Duration:   time.Since(started),
		}
	}

	for state.Iteration < ceiling {
		state.Iteration++
		l.logger.InfoContext(ctx, "goal iteration", "goal", goal, "iteration", state.Iteration, "ceiling", ceiling)

		plan, err := l.planner.Plan(ctx, goal, state.Review)
		if err != nil {
			return finish(VerdictFatal, err.Error())
		}
		state.Plan = plan
		state.Plans = append(state.Plans, *plan)

		results, err := l.executor.Execute(ctx, plan)
		state.Results = append(state.Results, results...)
		if err != nil {
			kind := errs.KindOf(err)
			if kind == errs.KindCancelled {
				return finish(VerdictFatal, err.Error())
			}
			if errs.Retriable(kind) {
				// Retriable failure past the step budget: feed it to
				// the next plan as review context.
				state.Review = &Review{Verdict: VerdictGoalNotMet, Reason: err.Error()}
				continue
			}
			return finish(VerdictFatal, err.Error())
		}

		review, err := l.reviewer.Review(ctx, goal, results)
		if err != nil {
			if errs.KindOf(err) == errs.KindReviewInconclusive {
				state.Review = &Review{Verdict: VerdictGoalNotMet, Reason: err.Error()}
				continue
			}
			return finish(VerdictFatal, err.Error())
		}
		state.Review = review

		switch review.Verdict {
		case VerdictGoalMet:
			return finish(VerdictGoalMet, "")
		case VerdictFatal:
			return finish(VerdictFatal, review.Reason)
		}
		// goal_not_met: go around again if budget remains.
	}

	errText := "iteration budget exhausted"
	if state.Review != nil && state.Review.Reason != "" {
		errText = state.Review.Reason
	}
	return finish(VerdictGoalNotMet, errText)
}
