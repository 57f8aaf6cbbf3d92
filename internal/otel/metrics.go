package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the fleet's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	TaskAttempts     metric.Int64Counter
	TaskOutcomes     metric.Int64Counter
	StreamEvents     metric.Int64Counter
	WorkersActive    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("fleetbridge.request.duration",
		metric.WithDescription("Delegator request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("fleetbridge.dispatch.duration",
		metric.WithDescription("Remote worker turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskAttempts, err = meter.Int64Counter("fleetbridge.task.attempts",
		metric.WithDescription("Dispatch attempts made by the retry loop"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("fleetbridge.task.outcomes",
		metric.WithDescription("Terminal task outcomes by status"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("fleetbridge.stream.events",
		metric.WithDescription("Streaming events consumed from workers"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkersActive, err = meter.Int64UpDownCounter("fleetbridge.workers.active",
		metric.WithDescription("Registered remote workers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
