package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/consent"
	"creditgate/dispute"
	"creditgate/funding"
	"creditgate/httpx"
	"creditgate/telemetry"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type consentLedger interface {
	Grant(ctx context.Context, params consent.GrantParams) (consent.Record, error)
	Revoke(ctx context.Context, userID, consentID string) (consent.Record, error)
	Get(ctx context.Context, id string) (consent.Record, error)
}

type actionService interface {
	Submit(ctx context.Context, p action.SubmitParams) (action.Record, error)
	Review(ctx context.Context, p action.ReviewParams) (action.Record, error)
	RecordOutcome(ctx context.Context, actionID string, res action.Result) (action.Record, error)
	Cancel(ctx context.Context, actionID, reason string) (action.Record, error)
	Get(ctx context.Context, id string) (action.Record, error)
	Events(ctx context.Context, actionID string) ([]action.Event, error)
	ListPending(ctx context.Context, limit int) ([]action.Record, error)
}

type fundingService interface {
	Activate(ctx context.Context, userID, consentID string) (funding.Plan, error)
	Cancel(ctx context.Context, userID, planID string) (funding.Plan, error)
	Get(ctx context.Context, planID string) (funding.Plan, error)
}

type disputeHistory interface {
	History(ctx context.Context, userID, tradeline string, limit int) ([]dispute.Record, error)
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	authService    authService
	consentLedger  consentLedger
	actionService  actionService
	fundingService fundingService
	disputes       disputeHistory
	logger         *slog.Logger
}

func newServer(a *app) *Server {
	return &Server{
		authService:    a.auth,
		consentLedger:  a.consents,
		actionService:  a.actions,
		fundingService: a.funding,
		disputes:       a.disputes,
		logger:         a.logger,
	}
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(p chi.Router) {
			p.Use(s.requireAuth)

			p.Post("/consents", s.handleGrantConsent)
			p.Get("/consents/{id}", s.handleGetConsent)
			p.Post("/consents/{id}/revoke", s.handleRevokeConsent)

			p.Post("/action-requests", s.handleSubmitAction)
			p.Get("/action-requests/{id}", s.handleGetAction)
			p.Get("/action-requests/{id}/events", s.handleActionEvents)
			p.Post("/action-requests/{id}/review", s.handleReviewAction)
			p.Post("/action-requests/{id}/cancel", s.handleCancelAction)
			p.With(requireRole(auth.RoleAdmin)).Post("/action-requests/{id}/outcome", s.handleRecordOutcome)
			p.With(requireRole(auth.RoleReviewer, auth.RoleAdmin)).Get("/review-queue", s.handleReviewQueue)

			p.Get("/disputes", s.handleDisputeHistory)

			p.Post("/funding-plans", s.handleActivatePlan)
			p.Get("/funding-plans/{id}", s.handleGetPlan)
			p.Post("/funding-plans/{id}/cancel", s.handleCancelPlan)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	tracer := telemetry.Tracer("creditgate/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", ww.Status()),
		)
		s.log().InfoContext(ctx, "http request",
			slog.String("request_id", httpx.RequestIDFrom(ctx)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		principal, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := roleFrom(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.WriteError(w, r, http.StatusForbidden, "NOT_AUTHORIZED", "not authorized", nil)
		})
	}
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

// isStaff reports whether the caller may read other users' records.
func isStaff(ctx context.Context) bool {
	role := roleFrom(ctx)
	return role == auth.RoleReviewer || role == auth.RoleAdmin
}
