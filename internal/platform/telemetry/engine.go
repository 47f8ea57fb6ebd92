package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

// EngineMetrics are the consultation engine's business counters. A nil
// *EngineMetrics records nothing.
type EngineMetrics struct {
	transitions metric.Int64Counter
	assignments metric.Int64Counter
	conflicts   metric.Int64Counter
	operations  metric.Float64Histogram
}

func NewEngineMetrics(m metric.Meter) (*EngineMetrics, error) {
	transitions, err := m.Int64Counter("consultation.transitions",
		metric.WithDescription("Accepted consultation status transitions"))
	if err != nil {
		return nil, err
	}
	assignments, err := m.Int64Counter("consultation.assignments",
		metric.WithDescription("Assignment decisions by role and outcome"))
	if err != nil {
		return nil, err
	}
	conflicts, err := m.Int64Counter("consultation.schedule_conflicts",
		metric.WithDescription("Scheduling requests rejected for overlapping a booked slot"))
	if err != nil {
		return nil, err
	}
	operations, err := m.Float64Histogram("consultation.operation.duration",
		metric.WithDescription("Engine operation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &EngineMetrics{
		transitions: transitions,
		assignments: assignments,
		conflicts:   conflicts,
		operations:  operations,
	}, nil
}

func (m *EngineMetrics) Transition(ctx context.Context, from, to, event string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("event", event),
	))
}

// Assignment counts one decision; outcome is "assigned" or "none_available".
func (m *EngineMetrics) Assignment(ctx context.Context, role, outcome string) {
	if m == nil {
		return
	}
	m.assignments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	))
}

func (m *EngineMetrics) Conflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1)
}

// Operation records the latency of one engine call, tagged with the error
// kind it ended in ("ok" on success, "internal" for untyped errors).
func (m *EngineMetrics) Operation(ctx context.Context, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "internal"
		if kind := apperr.KindOf(err); kind != "" {
			outcome = string(kind)
		}
	}
	m.operations.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}
