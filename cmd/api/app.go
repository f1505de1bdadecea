package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/config"
	"creditgate/consent"
	"creditgate/db"
	"creditgate/dispute"
	"creditgate/executor"
	"creditgate/funding"
	"creditgate/kinds"
	"creditgate/notify"
	"creditgate/risk"
	"creditgate/scoring"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	auth     *auth.Service
	consents *consent.Ledger
	actions  *action.Service
	funding  *funding.Orchestrator
	disputes *dispute.Service
	bus      *notify.Bus
	relay    *notify.Relay
}

// demoRoute backs the static projector when no scoring service is configured.
var demoRoute = funding.Route{
	Steps: []funding.RouteStep{
		{ProductRef: "secured-card-starter", TriggersHardPull: false, Amount: 500},
		{ProductRef: "credit-builder-loan", TriggersHardPull: true, Amount: 1000},
		{ProductRef: "unsecured-card-prime", TriggersHardPull: true, Amount: 3000},
	},
	ProjectedTotal: 4500,
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.URL != "" {
		pool, err := db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.pool = pool
	} else {
		logger.Warn("no database configured, using in-memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := scoring.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			// Redis only backs a cache and an optional sink.
			logger.Warn("redis unavailable, continuing without it", slog.Any("error", err))
		} else {
			a.redis = client
		}
	}

	policy := risk.DefaultPolicy()
	if cfg.Risk.PolicyFile != "" {
		p, err := risk.LoadPolicyFile(cfg.Risk.PolicyFile, policy)
		if err != nil {
			a.Close()
			return nil, err
		}
		policy = p
	}

	var (
		userRepo    auth.Repository
		consentRepo consent.Repository
		actionRepo  action.Repository
		planRepo    funding.Repository
		outbox      notify.Store
	)
	a.bus = notify.NewBus(logger)
	if a.pool != nil {
		userRepo = auth.NewRepository(a.pool)
		consentRepo = consent.NewRepository(a.pool)
		actionRepo = action.NewRepository(a.pool)
		planRepo = funding.NewRepository(a.pool)
		outbox = notify.NewPGStore(a.pool)
	} else {
		userRepo = auth.NewMemoryRepository()
		consentRepo = consent.NewMemoryRepository()
		actionRepo = action.NewMemoryRepository()
		planRepo = funding.NewMemoryRepository()
		mem := notify.NewMemoryStore()
		a.bus.Subscribe("outbox", notify.OutboxWriter(mem))
		outbox = mem
	}

	a.auth = auth.NewService(userRepo, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL)
	a.consents = consent.NewLedger(consentRepo).WithLogger(logger)

	var (
		factorSource scoring.Source
		projector    funding.Projector
	)
	if cfg.Scoring.URL != "" {
		client := scoring.NewClient(cfg.Scoring.URL, nil)
		factorSource, projector = client, client
	} else {
		static := scoring.Static{
			Factors: risk.Factors{ProductPullClass: map[string]risk.PullClass{
				"credit-builder-loan":  risk.PullClassHard,
				"unsecured-card-prime": risk.PullClassHard,
				"secured-card-starter": risk.PullClassSoft,
			}},
			FundingRoute: demoRoute,
		}
		factorSource, projector = static, static
	}
	var cache scoring.Cache = scoring.NewMemoryCache()
	if a.redis != nil {
		cache = scoring.NewRedisCache(a.redis, cfg.Redis.KeyPrefix+"scoring:")
	}
	factors := scoring.NewFailSafe(
		scoring.NewCachedSource(factorSource, cache, cfg.Scoring.CacheTTL, logger),
		cfg.Scoring.Timeout,
		logger,
	)

	a.actions = action.NewService(actionRepo, a.consents, risk.NewEvaluator(policy)).
		WithFactors(factors).
		WithPublisher(a.bus).
		WithLogger(logger).
		WithReviewerRoles(string(auth.RoleReviewer), string(auth.RoleAdmin))

	if cfg.Executor.URL != "" {
		a.actions.WithExecutor(executor.NewClient(cfg.Executor.URL, cfg.Executor.CallbackURL, nil))
	} else {
		a.actions.WithExecutor(executor.NewSynchronous(a.actions, simulatedExecution(factors)))
	}

	a.disputes = dispute.NewService(a.actions)

	a.funding = funding.NewOrchestrator(planRepo, a.actions, a.consents, projector).
		WithLogger(logger).
		WithSweepConcurrency(cfg.Funding.SweepConcurrency)
	a.bus.Subscribe("funding", a.funding.HandleEvent)

	sinks := notify.FanoutSink{notify.LogSink{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, nil))
	}
	if a.redis != nil {
		sinks = append(sinks, notify.NewRedisSink(a.redis, cfg.Notify.RedisChannel))
	}
	a.relay = notify.NewRelay(outbox, sinks).
		WithBatchSize(cfg.Notify.BatchSize).
		WithMaxAttempts(cfg.Notify.MaxAttempts).
		WithInterval(cfg.Notify.RelayEvery).
		WithLogger(logger)

	return a, nil
}

// simulatedExecution stands in for the real executor on local runs. Funding
// steps for hard-pull products report a hard pull.
func simulatedExecution(factors scoring.Source) executor.Func {
	return func(ctx context.Context, rec action.Record) (action.Result, error) {
		res := action.Result{Succeeded: true, Result: "simulated"}
		if rec.Kind == kinds.FundingStep {
			f, err := factors.RiskFactors(ctx, rec.UserID)
			if err != nil {
				return action.Result{}, err
			}
			res.TriggeredHardPull = f.PullClassFor(rec.TargetRef) == risk.PullClassHard
		}
		return res, nil
	}
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
