package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentd metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	InferenceDuration metric.Float64Histogram
	InferenceErrors   metric.Int64Counter
	MemoryWrites      metric.Int64Counter
	LoopCycles        metric.Int64Counter
	LoopsCapped       metric.Int64Counter
	ActiveLoops       metric.Int64UpDownCounter
	DelegationsTotal  metric.Int64Counter
	DelegationRefused metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceDuration, err = meter.Float64Histogram("agentd.inference.duration",
		metric.WithDescription("Inference backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceErrors, err = meter.Int64Counter("agentd.inference.errors",
		metric.WithDescription("Inference backend call failures"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryWrites, err = meter.Int64Counter("agentd.memory.writes",
		metric.WithDescription("Memory entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopCycles, err = meter.Int64Counter("agentd.loop.cycles",
		metric.WithDescription("Loop cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopsCapped, err = meter.Int64Counter("agentd.loop.capped",
		metric.WithDescription("Loops halted by the per-task cap"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLoops, err = meter.Int64UpDownCounter("agentd.loop.active",
		metric.WithDescription("Number of currently active agent loops"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationsTotal, err = meter.Int64Counter("agentd.delegation.total",
		metric.WithDescription("Delegations accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationRefused, err = meter.Int64Counter("agentd.delegation.refused",
		metric.WithDescription("Delegations refused by the depth cap"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
