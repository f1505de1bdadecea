package funding

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const sweepBatch = 100

// SweepPaused re-evaluates every paused plan whose hold has expired and
// returns how many it looked at. One plan failing does not stop the others.
func (o *Orchestrator) SweepPaused(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("creditgate/funding").Start(ctx, "funding.sweep_paused")
	defer span.End()

	due, err := o.repo.ListPausedDue(ctx, o.now().UTC(), sweepBatch)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("plans", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.sweepLimit)
	for _, plan := range due {
		planID := plan.ID
		g.Go(func() error {
			if err := o.kick(gctx, planID); err != nil {
				o.logger.WarnContext(gctx, "paused plan re-evaluation failed", slog.String("plan_id", planID), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(due), err
	}
	recordSwept(ctx, len(due))
	return len(due), nil
}

// RunSweeper calls SweepPaused every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.SweepPaused(ctx)
			if err != nil {
				o.logger.ErrorContext(ctx, "paused plan sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				o.logger.InfoContext(ctx, "paused plans swept", slog.Int("plans", n))
			}
		}
	}
}
