package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "enclave"

// Metrics holds all Enclave metric instruments.
type Metrics struct {
	ExecutionsAdmitted  metric.Int64Counter
	ExecutionsRejected  metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	CPUCommitted        metric.Int64Counter
	MemCommitted        metric.Int64Counter
	ExecuteDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ExecutionsAdmitted, err = meter.Int64Counter("enclave.executions.admitted",
		metric.WithDescription("Plugin invocations admitted by the resource monitor"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsRejected, err = meter.Int64Counter("enclave.executions.rejected",
		metric.WithDescription("Plugin invocations rejected at admission"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsFailed, err = meter.Int64Counter("enclave.executions.failed",
		metric.WithDescription("Plugin invocations that failed inside the sandbox"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsCompleted, err = meter.Int64Counter("enclave.executions.completed",
		metric.WithDescription("Plugin invocations that completed successfully"))
	if err != nil {
		return nil, err
	}

	m.CPUCommitted, err = meter.Int64Counter("enclave.resources.cpu_millis",
		metric.WithDescription("CPU milliseconds committed to agent ledgers"))
	if err != nil {
		return nil, err
	}

	m.MemCommitted, err = meter.Int64Counter("enclave.resources.mem_bytes",
		metric.WithDescription("Memory bytes committed to agent ledgers"))
	if err != nil {
		return nil, err
	}

	m.ExecuteDuration, err = meter.Float64Histogram("enclave.execute.duration_seconds",
		metric.WithDescription("Wall-clock duration of Execute calls"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
