package action

import (
	"context"
	"slices"
	"sync"
	"time"

	"creditgate/kinds"
	"creditgate/risk"
)

type outcomeRow struct {
	actionID string
	userID   string
	kind     kinds.Kind
	hardPull bool
	at       time.Time
}

// MemoryRepository is an in-process Repository used for local runs and
// tests. A single mutex gives it the same compare-and-set semantics as the
// Postgres store.
type MemoryRepository struct {
	mu        sync.Mutex
	requests  map[string]Request
	records   map[string]Record
	byRequest map[string]string
	events    map[string][]Event
	outcomes  []outcomeRow
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:  make(map[string]Request),
		records:   make(map[string]Record),
		byRequest: make(map[string]string),
		events:    make(map[string][]Event),
	}
}

func (m *MemoryRepository) Create(_ context.Context, req Request, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return Record{}, ErrDuplicateRequest
	}
	if _, exists := m.records[rec.ID]; exists {
		return Record{}, ErrDuplicateRequest
	}
	m.requests[req.ID] = req
	m.records[rec.ID] = cloneRecord(rec)
	m.byRequest[req.ID] = rec.ID
	return cloneRecord(rec), nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryRepository) GetByRequestID(_ context.Context, requestID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(m.records[id]), nil
}

func (m *MemoryRepository) Transition(_ context.Context, p TransitionParams) (Record, Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[p.ID]
	if !ok {
		return Record{}, Event{}, ErrNotFound
	}
	if rec.Status != p.From || !rec.UpdatedAt.Equal(p.ExpectedUpdatedAt) {
		return Record{}, Event{}, ErrConcurrentModification
	}

	rec.Status = p.To
	rec.UpdatedAt = p.At
	if p.ApprovedBy != nil {
		rec.ApprovedBy = p.ApprovedBy
	}
	if p.RejectedBy != nil {
		rec.RejectedBy = p.RejectedBy
	}
	if p.Reason != nil {
		rec.Reason = p.Reason
	}
	if p.ReviewNote != nil {
		rec.ReviewNote = p.ReviewNote
	}
	if p.Outcome != nil {
		out := *p.Outcome
		rec.Outcome = &out
		m.outcomes = append(m.outcomes, outcomeRow{
			actionID: rec.ID,
			userID:   rec.UserID,
			kind:     rec.Kind,
			hardPull: out.TriggeredHardPull,
			at:       out.At,
		})
	}
	m.records[p.ID] = rec

	ev := Event{
		ActionID: rec.ID,
		Seq:      len(m.events[rec.ID]) + 1,
		From:     p.From,
		To:       p.To,
		At:       p.At,
		Reason:   p.Reason,
		Kind:     rec.Kind,
		UserID:   rec.UserID,
		PlanID:   rec.PlanID,
	}
	m.events[rec.ID] = append(m.events[rec.ID], ev)
	return cloneRecord(rec), ev, nil
}

func (m *MemoryRepository) ListPending(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, 8)
	for _, rec := range m.records {
		if rec.Status == StatusPendingApproval {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListByPlan(_ context.Context, planID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, 4)
	for _, rec := range m.records {
		if rec.PlanID != nil && *rec.PlanID == planID {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, userID string, kind kinds.Kind, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, 8)
	for _, rec := range m.records {
		if rec.UserID == userID && rec.Kind == kind {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Events(_ context.Context, actionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[actionID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(m.events[actionID]), nil
}

func (m *MemoryRepository) HardPulls(_ context.Context, userID string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, 0, 4)
	for _, o := range m.outcomes {
		if o.userID == userID && o.hardPull && !o.at.Before(since) {
			out = append(out, o.at)
		}
	}
	return out, nil
}

func (m *MemoryRepository) RejectedDisputes(_ context.Context, userID string, since time.Time) ([]risk.DisputeRejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]risk.DisputeRejection, 0, 2)
	for _, rec := range m.records {
		if rec.UserID != userID || rec.Kind != kinds.Dispute || rec.UpdatedAt.Before(since) {
			continue
		}
		if rec.CountsAsRejectedDispute() {
			out = append(out, risk.DisputeRejection{TargetRef: rec.TargetRef, At: rec.UpdatedAt})
		}
	}
	return out, nil
}

func cloneRecord(rec Record) Record {
	rec.RiskReasons = slices.Clone(rec.RiskReasons)
	if rec.Outcome != nil {
		out := *rec.Outcome
		rec.Outcome = &out
	}
	return rec
}
