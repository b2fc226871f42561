package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists cases and their children inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	Get(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	ActiveForTransaction(ctx context.Context, tx pgx.Tx, escrowTransactionID string) (Dispute, bool, error)
	Update(ctx context.Context, tx pgx.Tx, d Dispute) error
	List(ctx context.Context, tx pgx.Tx, f ListFilter) ([]Dispute, error)
	InsertMessage(ctx context.Context, tx pgx.Tx, m Message) error
	ListMessages(ctx context.Context, tx pgx.Tx, disputeID string) ([]Message, error)
	InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error
	ListEvidence(ctx context.Context, tx pgx.Tx, disputeID string) ([]Evidence, error)
	AppendHistory(ctx context.Context, tx pgx.Tx, h HistoryEntry) error
	ListHistory(ctx context.Context, tx pgx.Tx, disputeID string) ([]HistoryEntry, error)
}

const activeIndex = "disputes_one_active_per_transaction"

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const selectDispute = `
SELECT id::text, case_number, status, type, priority, amount, currency,
       created_by::text, respondent::text, escrow_transaction_id::text, reason,
       expected_resolution, assigned_agent,
       resolution_outcome, resolution_payee_amount, resolution_description, resolved_by, resolved_at,
       created_at, updated_at, closed_at
FROM disputes
`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const insertSQL = `
INSERT INTO disputes (
    id, case_number, status, type, priority, amount, currency, created_by, respondent,
    escrow_transaction_id, reason, expected_resolution, assigned_agent, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14);
`
	_, err := tx.Exec(ctx, insertSQL,
		d.ID, d.CaseNumber, d.Status, d.Type, d.Priority, d.Amount, d.Currency, d.CreatedBy, d.Respondent,
		d.EscrowTransactionID, d.Reason, d.ExpectedResolution, d.AssignedAgent, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == activeIndex {
				return ErrActiveDispute
			}
			return fmt.Errorf("%w: %s", ErrDuplicateCaseNumber, d.CaseNumber)
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.get(ctx, tx, id, "")
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id, lock string) (Dispute, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Dispute{}, ErrNotFound
	}
	d, err := scanDispute(tx.QueryRow(ctx, selectDispute+"WHERE id = $1"+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) ActiveForTransaction(ctx context.Context, tx pgx.Tx, escrowTransactionID string) (Dispute, bool, error) {
	d, err := scanDispute(tx.QueryRow(ctx, selectDispute+`
WHERE escrow_transaction_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`, escrowTransactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, false, nil
		}
		return Dispute{}, false, fmt.Errorf("dispute: active for transaction: %w", err)
	}
	return d, true, nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const updateSQL = `
UPDATE disputes
SET status = $2,
    resolution_outcome = $3,
    resolution_payee_amount = $4,
    resolution_description = $5,
    resolved_by = $6,
    resolved_at = $7,
    closed_at = $8,
    updated_at = $9
WHERE id = $1;
`
	var (
		outcome     *OutcomeKind
		payeeAmount *int64
		description *string
		resolvedBy  *string
		resolvedAt  any
	)
	if res := d.Resolution; res != nil {
		outcome = &res.Outcome
		payeeAmount = res.PayeeAmount
		description = &res.Description
		resolvedBy = &res.ResolvedBy
		resolvedAt = res.ResolvedAt
	}

	tag, err := tx.Exec(ctx, updateSQL, d.ID, d.Status, outcome, payeeAmount, description,
		resolvedBy, resolvedAt, d.ClosedAt, d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeIndex {
			return ErrActiveDispute
		}
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) List(ctx context.Context, tx pgx.Tx, f ListFilter) ([]Dispute, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		if _, err := uuid.Parse(f.UserID); err != nil {
			return nil, nil
		}
		add("(created_by = $%[1]d OR respondent = $%[1]d)", f.UserID)
	}
	if f.AssignedAgent != "" {
		add("assigned_agent = $%d", f.AssignedAgent)
	}
	if f.EscrowTransactionID != "" {
		if _, err := uuid.Parse(f.EscrowTransactionID); err != nil {
			return nil, nil
		}
		add("escrow_transaction_id = $%d", f.EscrowTransactionID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := selectDispute
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertMessage(ctx context.Context, tx pgx.Tx, m Message) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO dispute_messages (id, dispute_id, sender_id, content, created_at)
VALUES ($1, $2, $3, $4, $5)`, m.ID, m.DisputeID, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("dispute: insert message: %w", err)
	}
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, tx pgx.Tx, disputeID string) ([]Message, error) {
	rows, err := tx.Query(ctx, `
SELECT id::text, dispute_id::text, sender_id, content, created_at
FROM dispute_messages
WHERE dispute_id = $1
ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 8)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO dispute_evidence (id, dispute_id, uploader_id, type, filename, url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, e.ID, e.DisputeID, e.UploaderID, e.Type, e.Filename, e.URL, e.CreatedAt); err != nil {
		return fmt.Errorf("dispute: insert evidence: %w", err)
	}
	return nil
}

func (r *Repository) ListEvidence(ctx context.Context, tx pgx.Tx, disputeID string) ([]Evidence, error) {
	rows, err := tx.Query(ctx, `
SELECT id::text, dispute_id::text, uploader_id, type, filename, url, created_at
FROM dispute_evidence
WHERE dispute_id = $1
ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 4)
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.UploaderID, &e.Type, &e.Filename, &e.URL, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func (r *Repository) AppendHistory(ctx context.Context, tx pgx.Tx, h HistoryEntry) error {
	var from *Status
	if h.From != "" {
		from = &h.From
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO dispute_status_history (dispute_id, from_status, to_status, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5)`, h.DisputeID, from, h.To, h.ActorID, h.CreatedAt); err != nil {
		return fmt.Errorf("dispute: append history: %w", err)
	}
	return nil
}

func (r *Repository) ListHistory(ctx context.Context, tx pgx.Tx, disputeID string) ([]HistoryEntry, error) {
	rows, err := tx.Query(ctx, `
SELECT id, dispute_id::text, COALESCE(from_status, ''), to_status, actor_id, created_at
FROM dispute_status_history
WHERE dispute_id = $1
ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 4)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.DisputeID, &h.From, &h.To, &h.ActorID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate history: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d           Dispute
		outcome     *string
		payeeAmount *int64
		description *string
		resolvedBy  *string
		resolvedAt  *time.Time
	)
	err := row.Scan(
		&d.ID, &d.CaseNumber, &d.Status, &d.Type, &d.Priority, &d.Amount, &d.Currency,
		&d.CreatedBy, &d.Respondent, &d.EscrowTransactionID, &d.Reason,
		&d.ExpectedResolution, &d.AssignedAgent,
		&outcome, &payeeAmount, &description, &resolvedBy, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt, &d.ClosedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	if outcome != nil && resolvedAt != nil {
		d.Resolution = &Resolution{
			Outcome:     OutcomeKind(*outcome),
			PayeeAmount: payeeAmount,
			Description: deref(description),
			ResolvedBy:  deref(resolvedBy),
			ResolvedAt:  *resolvedAt,
		}
	}
	return d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
