package funding

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var planMetrics struct {
	status metric.Int64Counter
	swept  metric.Int64Counter
}

var planMetricsOnce sync.Once

func initPlanMetrics() {
	m := otel.Meter("creditgate/funding")
	planMetrics.status, _ = m.Int64Counter("creditgate.funding.plan_status",
		metric.WithDescription("Funding plans entering each status"),
	)
	planMetrics.swept, _ = m.Int64Counter("creditgate.funding.sweeps",
		metric.WithDescription("Paused plans re-evaluated by the sweeper"),
	)
}

func recordPlanStatus(ctx context.Context, status Status) {
	planMetricsOnce.Do(initPlanMetrics)
	planMetrics.status.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func recordSwept(ctx context.Context, n int) {
	planMetricsOnce.Do(initPlanMetrics)
	planMetrics.swept.Add(ctx, int64(n))
}
