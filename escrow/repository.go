package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the transactional record store behind the ledger. Every method runs
// inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) error
	Get(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	Update(ctx context.Context, tx pgx.Tx, t Transaction) error
	HasActiveDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	CompleteMilestone(ctx context.Context, tx pgx.Tx, transactionID, milestoneID string, at time.Time) (bool, error)
	Wallet(ctx context.Context, tx pgx.Tx, userID string) (Wallet, error)
	WalletForUpdate(ctx context.Context, tx pgx.Tx, userID string) (Wallet, error)
	AdjustWallet(ctx context.Context, tx pgx.Tx, userID string, balanceDelta, frozenDelta int64) (Wallet, error)
	AppendEntry(ctx context.Context, tx pgx.Tx, e Entry) error
	ListEntries(ctx context.Context, tx pgx.Tx, transactionID string) ([]Entry, error)
	ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit int) ([]Transaction, error)
	ListDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error)
}

// Repository implements Store against PostgreSQL.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const selectTransaction = `
SELECT id::text, payer_id::text, payee_id::text, amount, currency, status,
       payer_tier, payment_method, platform_fee, processing_fee,
       auto_release_at, release_on_completion, released_amount, refunded_amount,
       created_at, updated_at, settled_at
FROM escrow_transactions
`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) error {
	const insertSQL = `
INSERT INTO escrow_transactions (
    id, payer_id, payee_id, amount, currency, status, payer_tier, payment_method,
    platform_fee, processing_fee, auto_release_at, release_on_completion, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13);
`
	if _, err := tx.Exec(ctx, insertSQL,
		t.ID, t.PayerID, t.PayeeID, t.Amount, t.Currency, t.Status, t.PayerTier, t.PaymentMethod,
		t.PlatformFee, t.ProcessingFee, t.AutoReleaseAt, t.ReleaseOnCompletion, t.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("escrow: insert: %w", err)
	}

	for _, m := range t.Milestones {
		if _, err := tx.Exec(ctx, `
INSERT INTO escrow_milestones (id, transaction_id, position, title, completed_at)
VALUES ($1, $2, $3, $4, $5)`, m.ID, t.ID, m.Position, m.Title, m.CompletedAt); err != nil {
			return fmt.Errorf("escrow: insert milestone: %w", err)
		}
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return r.get(ctx, tx, id, "")
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id, lock string) (Transaction, error) {
	if !validID(id) {
		return Transaction{}, ErrNotFound
	}
	t, err := scanTransaction(tx.QueryRow(ctx, selectTransaction+"WHERE id = $1"+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get: %w", err)
	}

	milestones, err := r.milestones(ctx, tx, t.ID)
	if err != nil {
		return Transaction{}, err
	}
	t.Milestones = milestones
	return t, nil
}

func (r *Repository) milestones(ctx context.Context, tx pgx.Tx, transactionID string) ([]Milestone, error) {
	rows, err := tx.Query(ctx, `
SELECT id::text, transaction_id::text, position, title, completed_at
FROM escrow_milestones
WHERE transaction_id = $1
ORDER BY position`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.Position, &m.Title, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, t Transaction) error {
	const updateSQL = `
UPDATE escrow_transactions
SET status = $2,
    platform_fee = $3,
    processing_fee = $4,
    released_amount = $5,
    refunded_amount = $6,
    settled_at = $7,
    updated_at = $8
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, t.ID, t.Status, t.PlatformFee, t.ProcessingFee,
		t.ReleasedAmount, t.RefundedAmount, t.SettledAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) HasActiveDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var active bool
	err := tx.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM disputes
    WHERE escrow_transaction_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')
)`, id).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("escrow: check active dispute: %w", err)
	}
	return active, nil
}

func (r *Repository) CompleteMilestone(ctx context.Context, tx pgx.Tx, transactionID, milestoneID string, at time.Time) (bool, error) {
	if !validID(milestoneID) {
		return false, ErrMilestoneNotFound
	}
	var already bool
	err := tx.QueryRow(ctx, `
SELECT completed_at IS NOT NULL
FROM escrow_milestones
WHERE id = $1 AND transaction_id = $2
FOR UPDATE`, milestoneID, transactionID).Scan(&already)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMilestoneNotFound
		}
		return false, fmt.Errorf("escrow: lock milestone: %w", err)
	}
	if already {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE escrow_milestones SET completed_at = $2 WHERE id = $1`, milestoneID, at); err != nil {
		return false, fmt.Errorf("escrow: complete milestone: %w", err)
	}
	return true, nil
}

func (r *Repository) Wallet(ctx context.Context, tx pgx.Tx, userID string) (Wallet, error) {
	return r.wallet(ctx, tx, userID, "")
}

func (r *Repository) WalletForUpdate(ctx context.Context, tx pgx.Tx, userID string) (Wallet, error) {
	return r.wallet(ctx, tx, userID, " FOR UPDATE")
}

func (r *Repository) wallet(ctx context.Context, tx pgx.Tx, userID, lock string) (Wallet, error) {
	w := Wallet{UserID: userID}
	if !validID(userID) {
		return w, nil
	}
	err := tx.QueryRow(ctx, `
SELECT balance, frozen_amount, updated_at
FROM wallet_balances
WHERE user_id = $1`+lock, userID).Scan(&w.Balance, &w.FrozenAmount, &w.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("escrow: get wallet: %w", err)
	}
	return w, nil
}

// AdjustWallet applies deltas to a wallet, creating it on first use. CHECK
// violations on the balance columns surface as ErrInsufficientFunds.
func (r *Repository) AdjustWallet(ctx context.Context, tx pgx.Tx, userID string, balanceDelta, frozenDelta int64) (Wallet, error) {
	// One upsert so concurrent first credits to the same user queue on the
	// primary key instead of failing with a unique violation.
	const upsertSQL = `
INSERT INTO wallet_balances (user_id, balance, frozen_amount, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id) DO UPDATE
SET balance = wallet_balances.balance + EXCLUDED.balance,
    frozen_amount = wallet_balances.frozen_amount + EXCLUDED.frozen_amount,
    updated_at = NOW()
RETURNING balance, frozen_amount, updated_at;
`
	w := Wallet{UserID: userID}
	err := tx.QueryRow(ctx, upsertSQL, userID, balanceDelta, frozenDelta).Scan(&w.Balance, &w.FrozenAmount, &w.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Wallet{}, ErrInsufficientFunds
		}
		return Wallet{}, fmt.Errorf("escrow: adjust wallet: %w", err)
	}
	return w, nil
}

func (r *Repository) AppendEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	var transactionID any
	if e.TransactionID != "" {
		transactionID = e.TransactionID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO escrow_ledger_entries (transaction_id, user_id, kind, amount, reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		transactionID, e.UserID, e.Kind, e.Amount, e.Reference, e.CreatedAt); err != nil {
		return fmt.Errorf("escrow: append entry: %w", err)
	}
	return nil
}

func (r *Repository) ListEntries(ctx context.Context, tx pgx.Tx, transactionID string) ([]Entry, error) {
	if !validID(transactionID) {
		return nil, ErrNotFound
	}
	rows, err := tx.Query(ctx, `
SELECT id, COALESCE(transaction_id::text, ''), user_id::text, kind, amount, reference, created_at
FROM escrow_ledger_entries
WHERE transaction_id = $1
ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.UserID, &e.Kind, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return out, nil
}

func (r *Repository) ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if !validID(userID) {
		return nil, nil
	}
	rows, err := tx.Query(ctx, selectTransaction+`
WHERE payer_id = $1 OR payee_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

// ListDue returns escrowed transactions whose auto-release date has passed or
// that release on completion, skipping those with open milestones or an active
// dispute so they cannot crowd eligible rows out of the batch. The ledger
// re-checks both under the row lock.
func (r *Repository) ListDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	rows, err := tx.Query(ctx, `
SELECT t.id::text
FROM escrow_transactions t
WHERE t.status = 'ESCROWED'
  AND (t.release_on_completion OR t.auto_release_at <= $1)
  AND NOT EXISTS (
      SELECT 1 FROM escrow_milestones m
      WHERE m.transaction_id = t.id AND m.completed_at IS NULL)
  AND NOT EXISTS (
      SELECT 1 FROM disputes d
      WHERE d.escrow_transaction_id = t.id AND d.status IN ('OPEN','UNDER_REVIEW'))
ORDER BY t.auto_release_at NULLS LAST, t.created_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due: %w", err)
	}
	return ids, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.PayerID, &t.PayeeID, &t.Amount, &t.Currency, &t.Status,
		&t.PayerTier, &t.PaymentMethod, &t.PlatformFee, &t.ProcessingFee,
		&t.AutoReleaseAt, &t.ReleaseOnCompletion, &t.ReleasedAmount, &t.RefundedAmount,
		&t.CreatedAt, &t.UpdatedAt, &t.SettledAt,
	)
	return t, err
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
