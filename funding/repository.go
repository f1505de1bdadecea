package funding

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no plan exists for the identifier.
	ErrNotFound = errors.New("funding: plan not found")
	// ErrStaleVersion signals the plan was saved by someone else since it was read.
	ErrStaleVersion = errors.New("funding: stale plan version")
)

// Repository stores plans. Save is optimistic: it only applies when the
// stored version equals plan.Version, and returns the plan with the next
// version.
type Repository interface {
	Create(ctx context.Context, plan Plan) (Plan, error)
	Get(ctx context.Context, id string) (Plan, error)
	Save(ctx context.Context, plan Plan) (Plan, error)
	// ListPausedDue returns paused plans whose hold has expired at at.
	ListPausedDue(ctx context.Context, at time.Time, limit int) ([]Plan, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu    sync.Mutex
	plans map[string]Plan
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{plans: make(map[string]Plan)}
}

func (m *MemoryRepository) Create(_ context.Context, plan Plan) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[plan.ID]; exists {
		return Plan{}, errors.New("funding: duplicate plan id")
	}
	plan.Version = 1
	m.plans[plan.ID] = clonePlan(plan)
	return clonePlan(plan), nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (m *MemoryRepository) Save(_ context.Context, plan Plan) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.plans[plan.ID]
	if !ok {
		return Plan{}, ErrNotFound
	}
	if stored.Version != plan.Version {
		return Plan{}, ErrStaleVersion
	}
	plan.Version++
	m.plans[plan.ID] = clonePlan(plan)
	return clonePlan(plan), nil
}

func (m *MemoryRepository) ListPausedDue(_ context.Context, at time.Time, limit int) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plan, 0, 4)
	for _, plan := range m.plans {
		if plan.Status != StatusPaused {
			continue
		}
		if plan.HeldUntil != nil && plan.HeldUntil.After(at) {
			continue
		}
		out = append(out, clonePlan(plan))
	}
	slices.SortFunc(out, func(a, b Plan) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
