// Package oracles holds SQL checks that must return no rows against a
// creditgate database at any point in time, however the load interleaves.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"creditgate/risk"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the oracles for policy p.
func All(p risk.Policy) []Oracle {
	p = p.Normalize()
	return []Oracle{
		{
			// Revocations racing a submission may lose; only static
			// properties of the referenced consent are checked.
			Name: "O1_admitted_without_consent",
			SQL: `SELECT r.id::text FROM action_records r
                  JOIN action_events e ON e.action_id = r.id AND e.to_status = 'admitted'
                  LEFT JOIN consents c ON c.id::text = r.consent_id
                  WHERE c.id IS NULL
                     OR c.revokes IS NOT NULL
                     OR c.user_id <> r.user_id
                     OR c.granted_at > r.submitted_at
                     OR (c.expires_at IS NOT NULL AND c.expires_at <= r.submitted_at)
                     OR NOT (c.action_kind = r.action_kind
                             OR (c.action_kind = 'sequence_activation' AND r.action_kind = 'funding_step'))`,
		},
		{
			Name: "O2_event_seq_contiguous",
			SQL: `SELECT action_id::text FROM action_events
                  GROUP BY action_id HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O3_event_chain",
			SQL: `WITH chain AS (
                      SELECT action_id, seq, from_status,
                             LAG(to_status) OVER (PARTITION BY action_id ORDER BY seq) AS prev_to,
                             at,
                             LAG(at) OVER (PARTITION BY action_id ORDER BY seq) AS prev_at
                      FROM action_events)
                  SELECT action_id::text, seq FROM chain
                  WHERE (prev_to IS NULL AND from_status <> 'proposed')
                     OR (prev_to IS NOT NULL AND from_status <> prev_to)
                     OR (prev_at IS NOT NULL AND at < prev_at)`,
		},
		{
			Name: "O4_status_matches_log",
			SQL: `SELECT r.id::text, r.status, last.to_status FROM action_records r
                  LEFT JOIN LATERAL (
                      SELECT to_status FROM action_events e
                      WHERE e.action_id = r.id ORDER BY seq DESC LIMIT 1) last ON true
                  WHERE COALESCE(last.to_status, 'proposed') <> r.status`,
		},
		{
			Name: "O5_terminal_is_final",
			SQL: `SELECT action_id::text, seq FROM action_events
                  WHERE from_status IN ('rejected', 'completed', 'failed')`,
		},
		{
			Name: "O6_self_review",
			SQL: `SELECT id::text FROM action_records
                  WHERE approved_by = user_id OR rejected_by = user_id`,
		},
		{
			Name: "O7_hard_pull_cap",
			SQL: fmt.Sprintf(`SELECT o.user_id, o.at, COUNT(*) FROM action_outcomes o
                  JOIN action_outcomes w ON w.user_id = o.user_id AND w.triggered_hard_pull
                       AND w.at > o.at - interval '%d seconds' AND w.at <= o.at
                  WHERE o.triggered_hard_pull
                  GROUP BY o.user_id, o.at HAVING COUNT(*) > %d`,
				int64(p.PullWindow.Seconds()), p.MaxPulls48h),
		},
		{
			Name: "O8_step_order",
			SQL: `SELECT s.plan_id::text, s.idx FROM funding_steps s
                  JOIN funding_steps prev ON prev.plan_id = s.plan_id AND prev.idx = s.idx - 1
                  LEFT JOIN action_records pr ON pr.id = prev.action_id
                  WHERE s.action_id IS NOT NULL AND (pr.id IS NULL OR pr.status <> 'completed')
                  UNION ALL
                  SELECT s.plan_id::text, s.idx FROM funding_steps s
                  JOIN funding_plans p ON p.id = s.plan_id
                  LEFT JOIN action_records a ON a.id = p.activation_action_id
                  WHERE s.idx = 1 AND s.action_id IS NOT NULL AND (a.id IS NULL OR a.status <> 'completed')`,
		},
		{
			Name: "O9_completed_plan_steps",
			SQL: `SELECT p.id::text, s.idx FROM funding_plans p
                  JOIN funding_steps s ON s.plan_id = p.id
                  LEFT JOIN action_records a ON a.id = s.action_id
                  WHERE p.status = 'completed' AND (a.id IS NULL OR a.status <> 'completed')`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, p risk.Policy) (string, string, error) {
	for _, o := range All(p) {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
