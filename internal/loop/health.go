package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/registry"
)

// Agent health statuses ordered from best to worst. Optimizing is set
// transiently while a tuning patch is being applied.
const (
	StatusHealthy    = "healthy"
	StatusWarning    = "warning"
	StatusError      = "error"
	StatusOptimizing = "optimizing"
)

// Thresholds holds the configurable status cut-offs on the 0-100 score.
type Thresholds struct {
	Healthy float64
	Warning float64
}

// DefaultThresholds matches the stock scoring policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Healthy: 75, Warning: 40}
}

// AgentHealth is the monitor step's per-agent record.
type AgentHealth struct {
	Kind             string   `json:"kind"`
	Status           string   `json:"status"`
	PerformanceScore float64  `json:"performance_score"`
	SuccessRate      float64  `json:"success_rate"`
	Invocations      int64    `json:"invocations"`
	Issues           []string `json:"issues,omitempty"`
}

// Recommendation is one prioritized suggestion from the optimizer step.
// Lower Priority sorts first.
type Recommendation struct {
	Priority int    `json:"priority"`
	Agent    string `json:"agent,omitempty"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// ParameterPatch is a concrete tuning suggestion. Patches are returned,
// never applied.
type ParameterPatch struct {
	Key    string `json:"key"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// HealthReport aggregates the monitor, optimize and tune outputs.
type HealthReport struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	Agents          []AgentHealth            `json:"agents"`
	Recommendations []Recommendation         `json:"recommendations,omitempty"`
	Patches         []ParameterPatch         `json:"patches,omitempty"`
	Ignored         map[journal.Category]int `json:"ignored,omitempty"`
}

// Assessor produces health assessments from agent metrics, provider
// reachability and the ignored-items journal. Its Monitor, Optimize and
// Tune methods back the corresponding agent kinds.
type Assessor struct {
	registry   *registry.Registry
	store      *persistence.Store
	providers  map[string]provider.Provider
	journal    *journal.Journal
	thresholds Thresholds
	logger     *slog.Logger
}

func NewAssessor(reg *registry.Registry, store *persistence.Store, providers map[string]provider.Provider, jnl *journal.Journal, thresholds Thresholds, logger *slog.Logger) *Assessor {
	if thresholds.Healthy == 0 && thresholds.Warning == 0 {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{
		registry:   reg,
		store:      store,
		providers:  providers,
		journal:    jnl,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Monitor scores every registered agent: score = 100 times the reachable
// fraction of its capability providers times its success rate, clamped to
// [0, 100].
func (a *Assessor) Monitor(ctx context.Context) ([]AgentHealth, error) {
	out := make([]AgentHealth, 0)
	for _, desc := range a.registry.Catalog() {
		m, err := a.store.MetricsFor(ctx, desc.Kind)
		if err != nil {
			return nil, err
		}

		var issues []string
		reachable := 0
		for _, capability := range desc.Capabilities {
			p, ok := a.providers[capability]
			if !ok {
				issues = append(issues, fmt.Sprintf("capability %q has no provider", capability))
				continue
			}
			if err := p.Reachable(ctx); err != nil {
				issues = append(issues, fmt.Sprintf("capability %q unreachable: %v", capability, err))
				continue
			}
			reachable++
		}
		reachableFraction := 1.0
		if len(desc.Capabilities) > 0 {
			reachableFraction = float64(reachable) / float64(len(desc.Capabilities))
		}

		rate := m.SuccessRate()
		score := 100 * reachableFraction * rate
		if score < 0 {
			score = 0
		} else if score > 100 {
			score = 100
		}

		if m.Invocations == 0 {
			issues = append(issues, "never invoked")
		} else if m.Failures > 0 && rate < 0.5 {
			issues = append(issues, fmt.Sprintf("success rate %.0f%% over %d runs", rate*100, m.Invocations))
		}

		out = append(out, AgentHealth{
			Kind:             desc.Kind,
			Status:           a.status(score),
			PerformanceScore: score,
			SuccessRate:      rate,
			Invocations:      m.Invocations,
			Issues:           issues,
		})
	}
	return out, nil
}

func (a *Assessor) status(score float64) string {
	switch {
	case score >= a.thresholds.Healthy:
		return StatusHealthy
	case score >= a.thresholds.Warning:
		return StatusWarning
	default:
		return StatusError
	}
}

// Optimize turns monitor output into prioritized recommendations. Agents
// in error come first, then warnings, then hygiene items.
func (a *Assessor) Optimize(agents []AgentHealth, ignored map[journal.Category]int) []Recommendation {
	var recs []Recommendation
	for _, agent := range agents {
		switch agent.Status {
		case StatusError:
			recs = append(recs, Recommendation{
				Priority: 1,
				Agent:    agent.Kind,
				Action:   "restore required providers",
				Reason:   fmt.Sprintf("score %.0f: %s", agent.PerformanceScore, firstIssue(agent.Issues)),
			})
		case StatusWarning:
			recs = append(recs, Recommendation{
				Priority: 2,
				Agent:    agent.Kind,
				Action:   "investigate recent failures",
				Reason:   fmt.Sprintf("score %.0f with %d invocations", agent.PerformanceScore, agent.Invocations),
			})
		}
	}
	for category, count := range ignored {
		if count == 0 {
			continue
		}
		recs = append(recs, Recommendation{
			Priority: 3,
			Action:   fmt.Sprintf("review ignored %s records", category),
			Reason:   fmt.Sprintf("%d records skipped during sync", count),
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// Tune derives concrete parameter patches from the assessment. Patches are
// suggestions for the caller; nothing is applied here.
func (a *Assessor) Tune(agents []AgentHealth) []ParameterPatch {
	var patches []ParameterPatch
	degraded := 0
	retrySuggested := false
	for _, agent := range agents {
		if agent.Status == StatusError || agent.Status == StatusWarning {
			degraded++
		}
		if !retrySuggested && agent.Invocations >= 10 && agent.SuccessRate < 0.5 && agent.Status != StatusError {
			patches = append(patches, ParameterPatch{
				Key:    "perl.retry.step",
				Value:  3,
				Reason: fmt.Sprintf("agent %s fails %0.f%% of runs; widen the step retry budget", agent.Kind, (1-agent.SuccessRate)*100),
			})
			retrySuggested = true
		}
	}
	if degraded > 0 && degraded*2 >= len(agents) && len(agents) > 0 {
		patches = append(patches, ParameterPatch{
			Key:    "scheduler.max_inflight",
			Value:  2,
			Reason: fmt.Sprintf("%d of %d agents degraded; reduce concurrent load while providers recover", degraded, len(agents)),
		})
	}
	return patches
}

// Assess runs the monitor, optimize and tune steps in order and folds the
// journal tallies in.
func (a *Assessor) Assess(ctx context.Context) (*HealthReport, error) {
	agents, err := a.Monitor(ctx)
	if err != nil {
		return nil, err
	}

	var ignored map[journal.Category]int
	if a.journal != nil {
		ignored, err = a.journal.CountByCategory(time.Time{})
		if err != nil {
			a.logger.Warn("failed to read ignored journal", "error", err)
		}
	}

	return &HealthReport{
		GeneratedAt:     time.Now().UTC(),
		Agents:          agents,
		Recommendations: a.Optimize(agents, ignored),
		Patches:         a.Tune(agents),
		Ignored:         ignored,
	}, nil
}

func firstIssue(issues []string) string {
	if len(issues) == 0 {
		return "no recorded issues"
	}
	return issues[0]
}
