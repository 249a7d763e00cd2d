package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// AgentMetrics accumulates invocation counters for one agent kind between
// graph flushes.
type AgentMetrics struct {
	AgentKind     string     `json:"agent_kind"`
	Invocations   int64      `json:"invocations"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	TotalDuration int64      `json:"total_duration_ms"`
	LastInvokedAt *time.Time `json:"last_invoked_at,omitempty"`
}

// SuccessRate is successes over invocations; an agent that was never
// invoked counts as fully successful.
func (m AgentMetrics) SuccessRate() float64 {
	if m.Invocations == 0 {
		return 1.0
	}
	return float64(m.Successes) / float64(m.Invocations)
}

// RecordInvocation bumps the counters for one finished agent call.
func (s *Store) RecordInvocation(ctx context.Context, agentKind string, ok bool, duration time.Duration) error {
	success, failure := 0, 1
	if ok {
		success, failure = 1, 0
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_metrics (agent_kind, invocations, successes, failures, total_duration_ms, last_invoked_at)
			VALUES (?, 1, ?, ?, ?, ?)
			ON CONFLICT (agent_kind) DO UPDATE SET
				invocations = invocations + 1,
				successes = successes + excluded.successes,
				failures = failures + excluded.failures,
				total_duration_ms = total_duration_ms + excluded.total_duration_ms,
				last_invoked_at = excluded.last_invoked_at`,
			agentKind, success, failure, duration.Milliseconds(), time.Now().UTC())
		return err
	})
	if err != nil {
		return errs.E("persistence.RecordInvocation", errs.KindTransientIO, err)
	}
	return nil
}

// AllMetrics returns counters for every agent kind that has ever run.
func (s *Store) AllMetrics(ctx context.Context) ([]AgentMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_kind, invocations, successes, failures, total_duration_ms, last_invoked_at
		FROM agent_metrics ORDER BY agent_kind`)
	if err != nil {
		return nil, errs.E("persistence.AllMetrics", errs.KindTransientIO, err)
	}
	defer rows.Close()

	var all []AgentMetrics
	for rows.Next() {
		var m AgentMetrics
		var last sql.NullTime
		if err := rows.Scan(&m.AgentKind, &m.Invocations, &m.Successes, &m.Failures, &m.TotalDuration, &last); err != nil {
			return nil, errs.E("persistence.AllMetrics", errs.KindTransientIO, err)
		}
		if last.Valid {
			t := last.Time
			m.LastInvokedAt = &t
		}
		all = append(all, m)
	}
	return all, rows.Err()
}

// MetricsFor returns counters for a single agent kind; zero counters when
// the agent has never run.
func (s *Store) MetricsFor(ctx context.Context, agentKind string) (AgentMetrics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_kind, invocations, successes, failures, total_duration_ms, last_invoked_at
		FROM agent_metrics WHERE agent_kind = ?`, agentKind)
	var m AgentMetrics
	var last sql.NullTime
	err := row.Scan(&m.AgentKind, &m.Invocations, &m.Successes, &m.Failures, &m.TotalDuration, &last)
	if err == sql.ErrNoRows {
		return AgentMetrics{AgentKind: agentKind}, nil
	}
	if err != nil {
		return AgentMetrics{}, errs.E("persistence.MetricsFor", errs.KindTransientIO, err)
	}
	if last.Valid {
		t := last.Time
		m.LastInvokedAt = &t
	}
	return m, nil
}
