package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	SyncDuration   metric.Float64Histogram
	SyncWrites     metric.Int64Counter
	SyncIgnored    metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	TaskFailures   metric.Int64Counter
	GoalIterations metric.Int64Histogram
	ActiveGoals    metric.Int64UpDownCounter
	EmbeddingCalls metric.Int64Counter
	TaskQueueDepth metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SyncDuration, err = meter.Float64Histogram("stackgraph.sync.duration",
		metric.WithDescription("Sync pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncWrites, err = meter.Int64Counter("stackgraph.sync.writes",
		metric.WithDescription("Graph writes applied by sync pipelines"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncIgnored, err = meter.Int64Counter("stackgraph.sync.ignored",
		metric.WithDescription("Records skipped and journaled during sync"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("stackgraph.task.duration",
		metric.WithDescription("Task dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("stackgraph.task.failures",
		metric.WithDescription("Tasks that reached the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.GoalIterations, err = meter.Int64Histogram("stackgraph.goal.iterations",
		metric.WithDescription("Plan-execute-review iterations per goal"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveGoals, err = meter.Int64UpDownCounter("stackgraph.goal.active",
		metric.WithDescription("Goals currently being driven"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbeddingCalls, err = meter.Int64Counter("stackgraph.embedding.calls",
		metric.WithDescription("Embedding computations requested"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskQueueDepth, err = meter.Int64UpDownCounter("stackgraph.task.queue",
		metric.WithDescription("Pending tasks awaiting dispatch"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
