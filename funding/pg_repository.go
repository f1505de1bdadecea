package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const planColumns = `
	id::text, user_id, consent_id, activation_action_id::text, status, projected_total,
	held_until, cancel_requested_at, abort_reason, version, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, plan Plan) (Plan, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("funding: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := scanPlan(tx.QueryRow(ctx, `
		INSERT INTO funding_plans (id, user_id, consent_id, status, projected_total, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		RETURNING `+planColumns,
		plan.ID, plan.UserID, plan.ConsentID, string(plan.Status), plan.ProjectedTotal, plan.CreatedAt,
	))
	if err != nil {
		return Plan{}, fmt.Errorf("funding: insert plan: %w", err)
	}

	for _, s := range plan.Steps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO funding_steps (plan_id, idx, product_ref, triggers_hard_pull, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, plan.ID, s.Index, s.ProductRef, s.TriggersHardPull, s.Amount); err != nil {
			return Plan{}, fmt.Errorf("funding: insert step %d: %w", s.Index, err)
		}
	}
	out.Steps = plan.Steps

	if err := tx.Commit(ctx); err != nil {
		return Plan{}, fmt.Errorf("funding: commit create: %w", err)
	}
	return clonePlan(out), nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Plan, error) {
	plan, err := scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM funding_plans WHERE id = $1`, id))
	if err != nil {
		if isMissing(err) {
			return Plan{}, ErrNotFound
		}
		return Plan{}, fmt.Errorf("funding: get plan: %w", err)
	}
	steps, err := r.steps(ctx, plan.ID)
	if err != nil {
		return Plan{}, err
	}
	plan.Steps = steps
	return plan, nil
}

// Save writes plan fields and step action ids when the stored version still
// matches plan.Version.
func (r *PGRepository) Save(ctx context.Context, plan Plan) (Plan, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("funding: begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := scanPlan(tx.QueryRow(ctx, `
		UPDATE funding_plans
		SET activation_action_id = $3::uuid,
		    status = $4,
		    held_until = $5,
		    cancel_requested_at = $6,
		    abort_reason = $7,
		    updated_at = $8,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+planColumns,
		plan.ID, plan.Version, plan.ActivationActionID, string(plan.Status),
		plan.HeldUntil, plan.CancelRequestedAt, plan.AbortReason, plan.UpdatedAt,
	))
	if err != nil {
		if !isMissing(err) {
			return Plan{}, fmt.Errorf("funding: update plan: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM funding_plans WHERE id = $1)`, plan.ID).Scan(&exists); err != nil {
			return Plan{}, fmt.Errorf("funding: check plan: %w", err)
		}
		if !exists {
			return Plan{}, ErrNotFound
		}
		return Plan{}, ErrStaleVersion
	}

	for _, s := range plan.Steps {
		if s.ActionID == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE funding_steps SET action_id = $3::uuid
			WHERE plan_id = $1 AND idx = $2 AND action_id IS DISTINCT FROM $3::uuid
		`, plan.ID, s.Index, *s.ActionID); err != nil {
			return Plan{}, fmt.Errorf("funding: update step %d: %w", s.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Plan{}, fmt.Errorf("funding: commit save: %w", err)
	}
	out.Steps = plan.Steps
	return clonePlan(out), nil
}

func (r *PGRepository) ListPausedDue(ctx context.Context, at time.Time, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM funding_plans
		WHERE status = 'paused' AND (held_until IS NULL OR held_until <= $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, at, limit)
	if err != nil {
		return nil, fmt.Errorf("funding: list paused: %w", err)
	}
	plans := make([]Plan, 0, 4)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("funding: scan paused: %w", err)
		}
		plans = append(plans, plan)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("funding: iterate paused: %w", err)
	}

	for i := range plans {
		steps, err := r.steps(ctx, plans[i].ID)
		if err != nil {
			return nil, err
		}
		plans[i].Steps = steps
	}
	return plans, nil
}

func (r *PGRepository) steps(ctx context.Context, planID string) ([]Step, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT idx, product_ref, triggers_hard_pull, amount, action_id::text
		FROM funding_steps
		WHERE plan_id = $1
		ORDER BY idx ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("funding: list steps: %w", err)
	}
	defer rows.Close()

	out := make([]Step, 0, 4)
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.Index, &s.ProductRef, &s.TriggersHardPull, &s.Amount, &s.ActionID); err != nil {
			return nil, fmt.Errorf("funding: scan step: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("funding: iterate steps: %w", err)
	}
	return out, nil
}

func scanPlan(row pgx.Row) (Plan, error) {
	var (
		p      Plan
		status string
	)
	if err := row.Scan(
		&p.ID, &p.UserID, &p.ConsentID, &p.ActivationActionID, &status, &p.ProjectedTotal,
		&p.HeldUntil, &p.CancelRequestedAt, &p.AbortReason, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return Plan{}, err
	}
	p.Status = Status(status)
	return p, nil
}

func isMissing(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
