package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	WorkerDuration    metric.Float64Histogram
	WorkerErrors      metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveChains      metric.Int64UpDownCounter
	SwarmBatchTotal   metric.Int64Counter
	SwarmBatchErrors  metric.Int64Counter
	SwarmJobDuration  metric.Float64Histogram
	TeamChainDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WorkerDuration, err = meter.Float64Histogram("orchestrator.worker.duration",
		metric.WithDescription("Worker subprocess invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerErrors, err = meter.Int64Counter("orchestrator.worker.errors",
		metric.WithDescription("Worker subprocess invocation error count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrator.queue.depth",
		metric.WithDescription("Number of files currently tracked in the processing set"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveChains, err = meter.Int64UpDownCounter("orchestrator.queue.active_chains",
		metric.WithDescription("Number of per-key FIFO chains currently alive"),
	)
	if err != nil {
		return nil, err
	}

	m.SwarmBatchTotal, err = meter.Int64Counter("orchestrator.swarm.batches",
		metric.WithDescription("Total swarm batches processed"),
	)
	if err != nil {
		return nil, err
	}

	m.SwarmBatchErrors, err = meter.Int64Counter("orchestrator.swarm.batch_errors",
		metric.WithDescription("Swarm batches that exhausted retries and failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SwarmJobDuration, err = meter.Float64Histogram("orchestrator.swarm.job_duration",
		metric.WithDescription("End-to-end swarm job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TeamChainDuration, err = meter.Float64Histogram("orchestrator.chain.duration",
		metric.WithDescription("Team chain duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
