package action

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "creditgate/action"

var lifecycleMetrics struct {
	transitions metric.Int64Counter
	submissions metric.Int64Counter
	conflicts   metric.Int64Counter
}

var lifecycleMetricsOnce sync.Once

func initLifecycleMetrics() {
	m := otel.Meter(scopeName)
	lifecycleMetrics.transitions, _ = m.Int64Counter("creditgate.action.transitions",
		metric.WithDescription("Committed action lifecycle transitions"),
	)
	lifecycleMetrics.submissions, _ = m.Int64Counter("creditgate.action.submissions",
		metric.WithDescription("Action requests received, by kind and risk level"),
	)
	lifecycleMetrics.conflicts, _ = m.Int64Counter("creditgate.action.conflicts",
		metric.WithDescription("Transitions lost to a concurrent writer"),
	)
}

func recordTransition(ctx context.Context, ev Event) {
	lifecycleMetricsOnce.Do(initLifecycleMetrics)
	lifecycleMetrics.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(ev.From)),
		attribute.String("to", string(ev.To)),
		attribute.String("kind", string(ev.Kind)),
	))
}

func recordSubmission(ctx context.Context, rec Record) {
	lifecycleMetricsOnce.Do(initLifecycleMetrics)
	lifecycleMetrics.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(rec.Kind)),
		attribute.String("risk_level", string(rec.RiskLevel)),
	))
}

func recordConflict(ctx context.Context, to Status) {
	lifecycleMetricsOnce.Do(initLifecycleMetrics)
	lifecycleMetrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
}
