package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres database for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness boots Postgres 16 (or reuses the database named by
// GIGESCROW_TEST_PG_DSN in an isolated schema) and applies migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := container.C == nil

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared, 32)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{container: container, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Start is NewHarness for tests: it skips when neither docker nor a shared
// database is available and registers cleanup.
func Start(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if os.Getenv(DSNEnv) == "" && !DockerAvailable(ctx) {
		t.Skipf("docker unavailable and %s unset", DSNEnv)
	}

	h, err := NewHarness(ctx)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset empties mutable tables between scenarios. Append-only tables are
// guarded by delete triggers, which TRUNCATE does not fire.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"idempotency",
		"dispute_status_history",
		"dispute_evidence",
		"dispute_messages",
		"disputes",
		"dispute_case_counters",
		"escrow_ledger_entries",
		"escrow_milestones",
		"escrow_transactions",
		"wallet_balances",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	return tx.Commit(ctx)
}
