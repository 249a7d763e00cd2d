package syncer

import "time"

// CorrelationRule documents how MCP servers were matched to services in
// this run. There is exactly one rule: case-insensitive name substring.
const CorrelationRule = "name-substring"

// PipelineResult is the outcome of one pipeline run.
type PipelineResult struct {
	Pipeline   string        `json:"pipeline"`
	Observed   int           `json:"observed"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Tombstoned int           `json:"tombstoned"`
	Edges      int           `json:"edges"`
	Ignored    int           `json:"ignored"`
	Warnings   []string      `json:"warnings,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Changes is the total write count of the run.
func (r PipelineResult) Changes() int {
	return r.Created + r.Updated + r.Tombstoned + r.Edges
}

// SyncReport aggregates the pipeline results of one sync invocation.
type SyncReport struct {
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Pipelines       []PipelineResult `json:"pipelines"`
	Unreachable     []string         `json:"unreachable,omitempty"`
	CorrelationRule string           `json:"correlation_rule"`
}

// Changes sums writes across all pipelines.
func (r SyncReport) Changes() int {
	total := 0
	for _, p := range r.Pipelines {
		total += p.Changes()
	}
	return total
}

// Ignored sums journaled records across all pipelines.
func (r SyncReport) Ignored() int {
	total := 0
	for _, p := range r.Pipelines {
		total += p.Ignored
	}
	return total
}

// Result returns the result for a named pipeline, if present.
func (r SyncReport) Result(name string) (PipelineResult, bool) {
	for _, p := range r.Pipelines {
		if p.Pipeline == name {
			return p, true
		}
	}
	return PipelineResult{}, false
}
