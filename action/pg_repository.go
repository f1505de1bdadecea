package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditgate/kinds"
	"creditgate/risk"
)

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed action repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `
	id::text, request_id, user_id, action_kind, target_ref, consent_id,
	plan_id::text, step_index, status, risk_level, human_required, risk_reasons,
	approved_by, rejected_by, reason, review_note,
	outcome_result, outcome_error, outcome_hard_pull, outcome_at,
	submitted_at, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, req Request, rec Record) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("action: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO action_requests (id, user_id, action_kind, target_ref, consent_id, submitted_at, plan_id, step_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7::uuid, $8)
	`, req.ID, req.UserID, string(req.Kind), req.TargetRef, req.ConsentID, req.SubmittedAt, req.PlanID, req.StepIndex); err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrDuplicateRequest
		}
		return Record{}, fmt.Errorf("action: insert request: %w", err)
	}

	out, err := scanRecord(tx.QueryRow(ctx, `
		INSERT INTO action_records (
			id, request_id, user_id, action_kind, target_ref, consent_id, plan_id, step_index,
			status, risk_level, human_required, risk_reasons, submitted_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::uuid, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING `+recordColumns,
		rec.ID, rec.RequestID, rec.UserID, string(rec.Kind), rec.TargetRef, rec.ConsentID, rec.PlanID, rec.StepIndex,
		string(rec.Status), string(rec.RiskLevel), rec.HumanRequired, rec.RiskReasons, rec.SubmittedAt, rec.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrDuplicateRequest
		}
		return Record{}, fmt.Errorf("action: insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("action: commit create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM action_records WHERE id = $1`, id))
	if err != nil {
		if isMissing(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("action: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetByRequestID(ctx context.Context, requestID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM action_records WHERE request_id = $1`, requestID))
	if err != nil {
		if isMissing(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("action: get by request: %w", err)
	}
	return rec, nil
}

// Transition updates the record only if its status and updated_at still match
// what the caller read. The event, outbox row and outcome row are written in
// the same transaction.
func (r *PGRepository) Transition(ctx context.Context, p TransitionParams) (Record, Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, Event{}, fmt.Errorf("action: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		outResult, outError *string
		outHardPull         *bool
		outAt               *time.Time
	)
	if p.Outcome != nil {
		outResult = &p.Outcome.Result
		outError = &p.Outcome.Error
		outHardPull = &p.Outcome.TriggeredHardPull
		outAt = &p.Outcome.At
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `
		UPDATE action_records
		SET status = $4,
		    updated_at = $5,
		    approved_by = COALESCE($6, approved_by),
		    rejected_by = COALESCE($7, rejected_by),
		    reason = COALESCE($8, reason),
		    review_note = COALESCE($9, review_note),
		    outcome_result = COALESCE($10, outcome_result),
		    outcome_error = COALESCE($11, outcome_error),
		    outcome_hard_pull = COALESCE($12, outcome_hard_pull),
		    outcome_at = COALESCE($13, outcome_at)
		WHERE id = $1 AND status = $2 AND updated_at = $3
		RETURNING `+recordColumns,
		p.ID, string(p.From), p.ExpectedUpdatedAt, string(p.To), p.At,
		p.ApprovedBy, p.RejectedBy, p.Reason, p.ReviewNote,
		outResult, outError, outHardPull, outAt,
	))
	if err != nil {
		if !isMissing(err) {
			return Record{}, Event{}, fmt.Errorf("action: update status: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM action_records WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			if isMissing(err) {
				return Record{}, Event{}, ErrNotFound
			}
			return Record{}, Event{}, fmt.Errorf("action: check existence: %w", err)
		}
		if !exists {
			return Record{}, Event{}, ErrNotFound
		}
		return Record{}, Event{}, ErrConcurrentModification
	}

	ev := Event{
		ActionID: rec.ID,
		From:     p.From,
		To:       p.To,
		At:       p.At,
		Reason:   p.Reason,
		Kind:     rec.Kind,
		UserID:   rec.UserID,
		PlanID:   rec.PlanID,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO action_events (action_id, seq, from_status, to_status, at, reason)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM action_events WHERE action_id = $1
		RETURNING seq
	`, rec.ID, string(p.From), string(p.To), p.At, p.Reason).Scan(&ev.Seq); err != nil {
		return Record{}, Event{}, fmt.Errorf("action: insert event: %w", err)
	}

	if p.Outcome != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO action_outcomes (action_id, user_id, action_kind, result, error, triggered_hard_pull, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, rec.UserID, string(rec.Kind), p.Outcome.Result, p.Outcome.Error, p.Outcome.TriggeredHardPull, p.Outcome.At); err != nil {
			return Record{}, Event{}, fmt.Errorf("action: insert outcome: %w", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, Event{}, fmt.Errorf("action: encode event: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ('action.transition', $1::jsonb)
	`, string(payload)); err != nil {
		return Record{}, Event{}, fmt.Errorf("action: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, Event{}, fmt.Errorf("action: commit transition: %w", err)
	}
	return rec, ev, nil
}

func (r *PGRepository) ListPending(ctx context.Context, limit int) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+`
		FROM action_records
		WHERE status = 'pending_approval'
		ORDER BY created_at ASC
		LIMIT $1`, clampLimit(limit))
}

func (r *PGRepository) ListByPlan(ctx context.Context, planID string) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+`
		FROM action_records
		WHERE plan_id = $1::uuid
		ORDER BY created_at ASC`, planID)
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string, kind kinds.Kind, limit int) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+`
		FROM action_records
		WHERE user_id = $1 AND action_kind = $2
		ORDER BY created_at DESC
		LIMIT $3`, userID, string(kind), clampLimit(limit))
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("action: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("action: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Events(ctx context.Context, actionID string) ([]Event, error) {
	if _, err := r.Get(ctx, actionID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT e.action_id::text, e.seq, e.from_status, e.to_status, e.at, e.reason,
		       r.action_kind, r.user_id, r.plan_id::text
		FROM action_events e
		JOIN action_records r ON r.id = e.action_id
		WHERE e.action_id = $1
		ORDER BY e.seq ASC
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("action: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 6)
	for rows.Next() {
		var (
			ev       Event
			from, to string
			kind     string
		)
		if err := rows.Scan(&ev.ActionID, &ev.Seq, &from, &to, &ev.At, &ev.Reason, &kind, &ev.UserID, &ev.PlanID); err != nil {
			return nil, fmt.Errorf("action: scan event: %w", err)
		}
		ev.From, ev.To, ev.Kind = Status(from), Status(to), kinds.Kind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action: iterate events: %w", err)
	}
	return out, nil
}

func (r *PGRepository) HardPulls(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT at FROM action_outcomes
		WHERE user_id = $1 AND triggered_hard_pull AND at >= $2
		ORDER BY at ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("action: hard pulls: %w", err)
	}
	pulls, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("action: scan hard pulls: %w", err)
	}
	return pulls, nil
}

func (r *PGRepository) RejectedDisputes(ctx context.Context, userID string, since time.Time) ([]risk.DisputeRejection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT target_ref, updated_at
		FROM action_records
		WHERE user_id = $1
		  AND action_kind = 'dispute'
		  AND updated_at >= $2
		  AND (
		    (status = 'rejected' AND reason = $3)
		    OR (status = 'completed' AND outcome_result = $4)
		  )
		ORDER BY updated_at ASC
	`, userID, since, ReasonReviewerRejected, OutcomeBureauRejected)
	if err != nil {
		return nil, fmt.Errorf("action: rejected disputes: %w", err)
	}
	defer rows.Close()

	out := make([]risk.DisputeRejection, 0, 2)
	for rows.Next() {
		var d risk.DisputeRejection
		if err := rows.Scan(&d.TargetRef, &d.At); err != nil {
			return nil, fmt.Errorf("action: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action: iterate disputes: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                 Record
		kind, status, level string
		outResult, outError *string
		outHardPull         *bool
		outAt               *time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.UserID, &kind, &rec.TargetRef, &rec.ConsentID,
		&rec.PlanID, &rec.StepIndex, &status, &level, &rec.HumanRequired, &rec.RiskReasons,
		&rec.ApprovedBy, &rec.RejectedBy, &rec.Reason, &rec.ReviewNote,
		&outResult, &outError, &outHardPull, &outAt,
		&rec.SubmittedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Kind = kinds.Kind(kind)
	rec.Status = Status(status)
	rec.RiskLevel = risk.Level(level)
	if outAt != nil {
		rec.Outcome = &Outcome{At: *outAt}
		if outResult != nil {
			rec.Outcome.Result = *outResult
		}
		if outError != nil {
			rec.Outcome.Error = *outError
		}
		if outHardPull != nil {
			rec.Outcome.TriggeredHardPull = *outHardPull
		}
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isMissing treats a malformed uuid the same as an unknown id.
func isMissing(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
