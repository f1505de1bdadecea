package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/consent"
	"creditgate/funding"
	"creditgate/httpx"
	"creditgate/kinds"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

func (s *Server) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionKind string     `json:"action_kind"`
		Scope      string     `json:"scope"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	kind, err := kinds.Parse(strings.TrimSpace(req.ActionKind))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	rec, err := s.consentLedger.Grant(r.Context(), consent.GrantParams{
		UserID:    userIDFrom(r.Context()),
		Kind:      kind,
		Scope:     req.Scope,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toConsentResponse(rec))
}

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.consentLedger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	if rec.UserID != userIDFrom(r.Context()) && !isStaff(r.Context()) {
		s.writeServiceError(w, r, consent.ErrNotFound, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toConsentResponse(rec))
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.consentLedger.Revoke(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toConsentResponse(rec))
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Kind      string `json:"kind"`
		TargetRef string `json:"target_ref"`
		ConsentID string `json:"consent_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	kind, err := kinds.Parse(strings.TrimSpace(req.Kind))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	// Funding steps and activations are driven by the plan endpoints.
	if kind != kinds.Dispute {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "use /api/funding-plans for funding actions", nil)
		return
	}

	rec, err := s.actionService.Submit(r.Context(), action.SubmitParams{
		RequestID: req.RequestID,
		UserID:    userIDFrom(r.Context()),
		Kind:      kind,
		TargetRef: req.TargetRef,
		ConsentID: req.ConsentID,
	})
	if err != nil {
		s.writeServiceError(w, r, err, &rec)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toActionResponse(rec))
}

// loadOwnAction fetches an action the caller owns or, for staff, any action.
// Other users' actions look the same as missing ones.
func (s *Server) loadOwnAction(w http.ResponseWriter, r *http.Request) (action.Record, bool) {
	rec, err := s.actionService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return action.Record{}, false
	}
	if rec.UserID != userIDFrom(r.Context()) && !isStaff(r.Context()) {
		s.writeServiceError(w, r, action.ErrNotFound, nil)
		return action.Record{}, false
	}
	return rec, true
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwnAction(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(rec))
}

func (s *Server) handleActionEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwnAction(w, r)
	if !ok {
		return
	}
	events, err := s.actionService.Events(r.Context(), rec.ID)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"action_id": rec.ID,
		"items":     toEventResponses(events),
	})
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	rec, err := s.actionService.Review(r.Context(), action.ReviewParams{
		ActionID:     chi.URLParam(r, "id"),
		Decision:     action.Decision(strings.ToLower(strings.TrimSpace(req.Decision))),
		ReviewerID:   userIDFrom(r.Context()),
		ReviewerRole: string(roleFrom(r.Context())),
		Reason:       req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err, &rec)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(rec))
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadOwnAction(w, r)
	if !ok {
		return
	}
	if rec.UserID != userIDFrom(r.Context()) {
		s.writeServiceError(w, r, action.ErrNotAuthorized, nil)
		return
	}
	// Plan steps are cancelled through their plan.
	if rec.PlanID != nil {
		s.writeServiceError(w, r, action.ErrInvalidTransition, nil)
		return
	}
	rec, err := s.actionService.Cancel(r.Context(), rec.ID, action.ReasonUserCancelled)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(rec))
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Succeeded         bool       `json:"succeeded"`
		Result            string     `json:"result"`
		Error             string     `json:"error"`
		TriggeredHardPull bool       `json:"triggered_hard_pull"`
		At                *time.Time `json:"at"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	res := action.Result{
		Succeeded:         req.Succeeded,
		Result:            req.Result,
		Error:             req.Error,
		TriggeredHardPull: req.TriggeredHardPull,
	}
	if req.At != nil {
		res.At = *req.At
	}
	rec, err := s.actionService.RecordOutcome(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(rec))
}

// queryLimit reads ?limit, defaulting to 50. It writes the 400 itself.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	return n, true
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	records, err := s.actionService.ListPending(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	items := make([]actionResponse, len(records))
	for i, rec := range records {
		items[i] = toActionResponse(rec)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.disputes.History(r.Context(), userIDFrom(r.Context()), r.URL.Query().Get("tradeline"), limit)
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleActivatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsentID string `json:"consent_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	plan, err := s.fundingService.Activate(r.Context(), userIDFrom(r.Context()), strings.TrimSpace(req.ConsentID))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toPlanResponse(plan))
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.fundingService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	if plan.UserID != userIDFrom(r.Context()) && !isStaff(r.Context()) {
		s.writeServiceError(w, r, funding.ErrNotFound, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPlanResponse(plan))
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.fundingService.Cancel(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPlanResponse(plan))
}
