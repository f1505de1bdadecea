// Package scoring talks to the external scoring and funding-projection
// service. The core only ever sees risk factors and a prescribed funding
// route; how they are computed is not its concern.
package scoring

import (
	"context"
	"log/slog"
	"time"

	"creditgate/funding"
	"creditgate/risk"
)

// Source returns risk factors for a user.
type Source interface {
	RiskFactors(ctx context.Context, userID string) (risk.Factors, error)
}

// FailSafe bounds calls to a Source and turns every failure into elevated
// scrutiny, so an unavailable scoring service routes actions to a human
// instead of blocking or waving them through.
type FailSafe struct {
	src     Source
	timeout time.Duration
	logger  *slog.Logger
}

func NewFailSafe(src Source, timeout time.Duration, logger *slog.Logger) *FailSafe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailSafe{src: src, timeout: timeout, logger: logger}
}

func (f *FailSafe) RiskFactors(ctx context.Context, userID string) (risk.Factors, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	factors, err := f.src.RiskFactors(ctx, userID)
	if err != nil {
		f.logger.WarnContext(ctx, "risk factors unavailable, applying elevated scrutiny",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return risk.Factors{ElevatedScrutiny: true}, nil
	}
	return factors, nil
}

// Static serves fixed answers. It backs local runs without a scoring service.
type Static struct {
	Factors      risk.Factors
	FundingRoute funding.Route
}

func (s Static) RiskFactors(context.Context, string) (risk.Factors, error) {
	return s.Factors, nil
}

func (s Static) Route(context.Context, string) (funding.Route, error) {
	return s.FundingRoute, nil
}
