package notify

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var relayMetrics struct {
	messages metric.Int64Counter
}

var relayMetricsOnce sync.Once

func recordRelay(ctx context.Context, stats Stats) {
	relayMetricsOnce.Do(func() {
		relayMetrics.messages, _ = otel.Meter("creditgate/notify").Int64Counter("creditgate.outbox.messages",
			metric.WithDescription("Outbox messages handled by the relay, by result"),
		)
	})
	for result, n := range map[string]int{"delivered": stats.Delivered, "failed": stats.Failed, "dead": stats.Dead} {
		if n > 0 {
			relayMetrics.messages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
}
