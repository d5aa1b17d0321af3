package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds all task hub metrics instruments. These mirror the
// best-effort in-process counters of internal/metrics as a second,
// OTel-native view for backends that scrape via OTLP rather than
// Prometheus.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	TasksCreated     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksRetried     metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	DLQDepth         metric.Int64UpDownCounter
	LeasesReclaimed  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("a2a_taskhub.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("a2a_taskhub.dispatch.duration",
		metric.WithDescription("Time from task creation to first dispatch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("a2a_taskhub.tasks.created",
		metric.WithDescription("Total tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("a2a_taskhub.tasks.completed",
		metric.WithDescription("Total tasks completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("a2a_taskhub.tasks.failed",
		metric.WithDescription("Total tasks that reached FAIL"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("a2a_taskhub.tasks.retried",
		metric.WithDescription("Total retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("a2a_taskhub.queue.depth",
		metric.WithDescription("Current number of PENDING tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.DLQDepth, err = meter.Int64UpDownCounter("a2a_taskhub.dlq.depth",
		metric.WithDescription("Current number of dead-lettered tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesReclaimed, err = meter.Int64Counter("a2a_taskhub.leases.reclaimed",
		metric.WithDescription("Total leases reclaimed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("a2a_taskhub.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
