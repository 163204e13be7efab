package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crewflow"

// Metrics holds the workflow metric instruments.
type Metrics struct {
	PhasesCompleted metric.Int64Counter
	Checkpoints     metric.Int64Counter
	StepAttempts    metric.Int64Counter
	Escalations     metric.Int64Counter
	AgentFailures   metric.Int64Counter
	AgentDuration   metric.Float64Histogram
	CostUSD         metric.Float64Counter

	provider metric.MeterProvider
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates all instruments on mp.
func NewMetricsFrom(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{provider: mp}
	var err error

	if m.PhasesCompleted, err = meter.Int64Counter("crewflow.phases.completed",
		metric.WithDescription("Agent phases completed")); err != nil {
		return nil, err
	}
	if m.Checkpoints, err = meter.Int64Counter("crewflow.checkpoints",
		metric.WithDescription("Checkpoint decisions by kind and decision")); err != nil {
		return nil, err
	}
	if m.StepAttempts, err = meter.Int64Counter("crewflow.step.attempts",
		metric.WithDescription("Implementation step attempts by result")); err != nil {
		return nil, err
	}
	if m.Escalations, err = meter.Int64Counter("crewflow.escalations",
		metric.WithDescription("Implementation steps escalated to a human")); err != nil {
		return nil, err
	}
	if m.AgentFailures, err = meter.Int64Counter("crewflow.agent.failures",
		metric.WithDescription("Failed agent invocations")); err != nil {
		return nil, err
	}
	if m.AgentDuration, err = meter.Float64Histogram("crewflow.agent.duration_seconds",
		metric.WithDescription("Agent invocation duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.CostUSD, err = meter.Float64Counter("crewflow.cost_usd",
		metric.WithDescription("Estimated model cost"), metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	return m, nil
}

// The recording helpers below are no-ops on a nil *Metrics.

// PhaseCompleted counts one finished phase.
func (m *Metrics) PhaseCompleted(ctx context.Context, phase, mode string) {
	if m == nil {
		return
	}
	m.PhasesCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase), attribute.String("mode", mode)))
}

// CheckpointResolved counts one decision.
func (m *Metrics) CheckpointResolved(ctx context.Context, kind, decision string) {
	if m == nil {
		return
	}
	m.Checkpoints.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("decision", decision)))
}

// StepAttempt counts one verification result.
func (m *Metrics) StepAttempt(ctx context.Context, passed bool) {
	if m == nil {
		return
	}
	m.StepAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
}

// Escalated counts one exhausted step.
func (m *Metrics) Escalated(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// AgentInvoked records one agent call.
func (m *Metrics) AgentInvoked(ctx context.Context, phase, model string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase), attribute.String("model", model))
	m.AgentDuration.Record(ctx, seconds, attrs)
	if failed {
		m.AgentFailures.Add(ctx, 1, attrs)
	}
}

// CostRecorded adds usd to the cost counter.
func (m *Metrics) CostRecorded(ctx context.Context, model string, usd float64) {
	if m == nil {
		return
	}
	m.CostUSD.Add(ctx, usd, metric.WithAttributes(attribute.String("model", model)))
}

// ObserveCache exports the hit and miss totals reported by stats as
// crewflow.cache.hits and crewflow.cache.misses, tagged with name.
func (m *Metrics) ObserveCache(name string, stats func() (hits, misses uint64)) error {
	if m == nil {
		return nil
	}
	meter := m.provider.Meter(meterName)
	hits, err := meter.Int64ObservableCounter("crewflow.cache.hits",
		metric.WithDescription("Configuration cache hits"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("crewflow.cache.misses",
		metric.WithDescription("Configuration cache misses"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("cache", name))
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h, mi := stats()
		o.ObserveInt64(hits, int64(h), attrs) //nolint:gosec // counters stay far below MaxInt64
		o.ObserveInt64(misses, int64(mi), attrs)
		return nil
	}, hits, misses)
	return err
}
