package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants checked against a live database. Each query
// returns rows only when its invariant is broken.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_dispute",
			SQL: `SELECT escrow_transaction_id, COUNT(*) FROM disputes
                  WHERE status IN ('OPEN','UNDER_REVIEW')
                  GROUP BY escrow_transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_frozen_matches_held",
			SQL: `WITH held AS (
                      SELECT payer_id AS user_id, SUM(amount) AS total
                      FROM escrow_transactions
                      WHERE status IN ('ESCROWED','DISPUTED')
                      GROUP BY payer_id)
                  SELECT w.user_id, w.frozen_amount, COALESCE(h.total, 0)
                  FROM wallet_balances w
                  LEFT JOIN held h ON h.user_id = w.user_id
                  WHERE w.frozen_amount <> COALESCE(h.total, 0)`,
		},
		{
			Name: "O3_case_numbers_gapless",
			SQL: `WITH cases AS (
                      SELECT split_part(case_number, '-', 2)::int AS year,
                             COUNT(*) AS n,
                             MAX(split_part(case_number, '-', 3)::bigint) AS top
                      FROM disputes GROUP BY 1)
                  SELECT c.year, c.n, c.top, k.last_seq
                  FROM cases c
                  LEFT JOIN dispute_case_counters k ON k.year = c.year
                  WHERE c.n <> c.top OR k.last_seq IS DISTINCT FROM c.top`,
		},
		{
			Name: "O4_dispute_status_linkage",
			SQL: `SELECT t.id, t.status FROM escrow_transactions t
                  WHERE (t.status = 'DISPUTED') <> EXISTS (
                      SELECT 1 FROM disputes d
                      WHERE d.escrow_transaction_id = t.id
                        AND d.status IN ('OPEN','UNDER_REVIEW'))`,
		},
		{
			Name: "O5_settlement_conservation",
			SQL: `SELECT id, status, amount, released_amount, refunded_amount
                  FROM escrow_transactions
                  WHERE (status IN ('COMPLETED','REFUNDED') AND released_amount + refunded_amount <> amount)
                     OR (status IN ('PENDING','ESCROWED','DISPUTED') AND released_amount + refunded_amount <> 0)`,
		},
		{
			Name: "O6_resolution_recorded",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status IN ('RESOLVED','CLOSED')) <> (resolution_outcome IS NOT NULL)`,
		},
		{
			Name: "O7_stale_outbox",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_delete_guards",
			SQL: `SELECT t.name FROM (VALUES ('no_delete_escrow_transactions'),
                                             ('no_delete_escrow_ledger_entries'),
                                             ('no_delete_disputes')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
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
