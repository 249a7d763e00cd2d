// Package loop drives goals through a bounded plan, execute, review cycle.
// The planner and reviewer consume the text-gen capability through schema
// validated JSON; the executor dispatches plan steps as registry tasks.
package loop

import (
	"time"

	"github.com/halyard/stackgraph/internal/registry"
)

// Step is one planned action: which agent runs, with what parameters.
// Independent steps may be dispatched concurrently with their neighbors.
type Step struct {
	Action      string         `json:"action"`
	AgentKind   string         `json:"agent_kind"`
	Params      map[string]any `json:"params,omitempty"`
	Independent bool           `json:"independent,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Verdict is the reviewer's judgement of a goal after one iteration.
type Verdict string

const (
	VerdictGoalMet    Verdict = "goal_met"
	VerdictGoalNotMet Verdict = "goal_not_met"
	VerdictFatal      Verdict = "fatal"
)

// Review is the reviewer's structured output.
type Review struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// State is the closed record the loop threads through its nodes. Unknown
// fields never enter: planner and reviewer output is schema-validated
// before it lands here.
type State struct {
	Goal      string
	History   []string
	Plan      *Plan
	Plans     []Plan
	Results   []registry.TaskResult
	Review    *Review
	Iteration int
}

// GoalResult is the terminal outcome of RunGoal. It is always populated;
// the loop never raises out of a goal run.
type GoalResult struct {
	Goal       string                `json:"goal"`
	Verdict    Verdict               `json:"verdict"`
	Iterations int                   `json:"iterations"`
	Plans      []Plan                `json:"plans"`
	Results    []registry.TaskResult `json:"results"`
	Error      string                `json:"error,omitempty"`
	Duration   time.Duration         `json:"duration"`
}
