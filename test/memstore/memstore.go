// Package memstore is an in-memory, transactional implementation of the
// record stores. Transactions are fully serialised: Begin waits for the
// previous transaction to finish, and Rollback restores the state captured
// at Begin. Constraint violations return the same errors as the PostgreSQL
// repositories.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/outbox"
	"gigescrow/payment"
)

// OutboxRow is an outbox message with its delivery status.
type OutboxRow struct {
	outbox.Message
	Status    string
	LastError string
}

// Snapshot is a deep copy of the whole store.
type Snapshot struct {
	Transactions map[string]escrow.Transaction
	Wallets      map[string]escrow.Wallet
	Entries      []escrow.Entry
	Disputes     map[string]dispute.Dispute
	Messages     []dispute.Message
	Evidence     []dispute.Evidence
	History      []dispute.HistoryEntry
	Counters     map[int]int64
	Outbox       []OutboxRow
	Idempotency  map[string]bool
	seq          int64
}

func newSnapshot() Snapshot {
	return Snapshot{
		Transactions: make(map[string]escrow.Transaction),
		Wallets:      make(map[string]escrow.Wallet),
		Disputes:     make(map[string]dispute.Dispute),
		Counters:     make(map[int]int64),
		Idempotency:  make(map[string]bool),
	}
}

func (s Snapshot) clone() Snapshot {
	c := Snapshot{
		Transactions: make(map[string]escrow.Transaction, len(s.Transactions)),
		Wallets:      make(map[string]escrow.Wallet, len(s.Wallets)),
		Entries:      append([]escrow.Entry(nil), s.Entries...),
		Disputes:     make(map[string]dispute.Dispute, len(s.Disputes)),
		Messages:     append([]dispute.Message(nil), s.Messages...),
		Evidence:     append([]dispute.Evidence(nil), s.Evidence...),
		History:      append([]dispute.HistoryEntry(nil), s.History...),
		Counters:     make(map[int]int64, len(s.Counters)),
		Outbox:       append([]OutboxRow(nil), s.Outbox...),
		Idempotency:  make(map[string]bool, len(s.Idempotency)),
		seq:          s.seq,
	}
	for k, v := range s.Transactions {
		v.Milestones = append([]escrow.Milestone(nil), v.Milestones...)
		c.Transactions[k] = v
	}
	for k, v := range s.Wallets {
		c.Wallets[k] = v
	}
	for k, v := range s.Disputes {
		c.Disputes[k] = v
	}
	for k, v := range s.Counters {
		c.Counters[k] = v
	}
	for k, v := range s.Idempotency {
		c.Idempotency[k] = v
	}
	return c
}

func (s *Snapshot) activeDispute(transactionID string) bool {
	for _, d := range s.Disputes {
		if d.EscrowTransactionID == transactionID && d.Status.Active() {
			return true
		}
	}
	return false
}

// DB holds the state and hands out serialised transactions.
type DB struct {
	sem   chan struct{}
	state Snapshot
}

func New() *DB {
	return &DB{sem: make(chan struct{}, 1), state: newSnapshot()}
}

// Begin blocks until no other transaction is open.
func (d *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{db: d, saved: d.state.clone()}, nil
}

// Snapshot copies the committed state.
func (d *DB) Snapshot() Snapshot {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	return d.state.clone()
}

func (d *DB) nextSeq() int64 {
	d.state.seq++
	return d.state.seq
}

// Tx implements pgx.Tx for the stores in this package only; the SQL methods
// are not supported.
type Tx struct {
	db     *DB
	saved  Snapshot
	closed bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	<-t.db.sem
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.state = t.saved
	<-t.db.sem
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("memstore: CopyFrom not supported")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("memstore: SendBatch not supported")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("memstore: LargeObjects not supported")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("memstore: Prepare not supported")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("memstore: Exec not supported")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("memstore: Query not supported")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("memstore: QueryRow not supported")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

func (d *DB) active(tx pgx.Tx) *Snapshot {
	mt, ok := tx.(*Tx)
	if !ok || mt.db != d || mt.closed {
		panic(fmt.Sprintf("memstore: foreign or closed transaction %T", tx))
	}
	return &d.state
}

// Escrow returns an escrow.Store over d.
func (d *DB) Escrow() *EscrowStore { return &EscrowStore{db: d} }

// Disputes returns a dispute.Store over d.
func (d *DB) Disputes() *DisputeStore { return &DisputeStore{db: d} }

// Counter returns a casenum.Counter over d.
func (d *DB) Counter() *Counter { return &Counter{db: d} }

// Outbox returns an outbox.Store over d.
func (d *DB) Outbox() *OutboxStore { return &OutboxStore{db: d} }

// Idempotency returns a payment idempotency repository over d.
func (d *DB) Idempotency() *IdempotencyStore { return &IdempotencyStore{db: d} }

// EscrowStore implements escrow.Store.
type EscrowStore struct{ db *DB }

var _ escrow.Store = (*EscrowStore)(nil)

func (s *EscrowStore) Insert(ctx context.Context, tx pgx.Tx, t escrow.Transaction) error {
	st := s.db.active(tx)
	if _, ok := st.Transactions[t.ID]; ok {
		return escrow.ErrDuplicateTransaction
	}
	t.Milestones = append([]escrow.Milestone(nil), t.Milestones...)
	st.Transactions[t.ID] = t
	return nil
}

func (s *EscrowStore) Get(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error) {
	st := s.db.active(tx)
	t, ok := st.Transactions[id]
	if !ok {
		return escrow.Transaction{}, escrow.ErrNotFound
	}
	t.Milestones = append([]escrow.Milestone(nil), t.Milestones...)
	return t, nil
}

func (s *EscrowStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error) {
	return s.Get(ctx, tx, id)
}

func (s *EscrowStore) Update(ctx context.Context, tx pgx.Tx, t escrow.Transaction) error {
	st := s.db.active(tx)
	cur, ok := st.Transactions[t.ID]
	if !ok {
		return escrow.ErrNotFound
	}
	if t.ReleasedAmount+t.RefundedAmount > t.Amount {
		return fmt.Errorf("memstore: released plus refunded exceeds amount on %s", t.ID)
	}
	t.Milestones = cur.Milestones
	st.Transactions[t.ID] = t
	return nil
}

func (s *EscrowStore) HasActiveDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	return s.db.active(tx).activeDispute(id), nil
}

func (s *EscrowStore) CompleteMilestone(ctx context.Context, tx pgx.Tx, transactionID, milestoneID string, at time.Time) (bool, error) {
	st := s.db.active(tx)
	t, ok := st.Transactions[transactionID]
	if !ok {
		return false, escrow.ErrNotFound
	}
	ms := append([]escrow.Milestone(nil), t.Milestones...)
	for i := range ms {
		if ms[i].ID != milestoneID {
			continue
		}
		if ms[i].CompletedAt != nil {
			return false, nil
		}
		done := at
		ms[i].CompletedAt = &done
		t.Milestones = ms
		st.Transactions[transactionID] = t
		return true, nil
	}
	return false, escrow.ErrMilestoneNotFound
}

func (s *EscrowStore) Wallet(ctx context.Context, tx pgx.Tx, userID string) (escrow.Wallet, error) {
	st := s.db.active(tx)
	w, ok := st.Wallets[userID]
	if !ok {
		return escrow.Wallet{UserID: userID}, nil
	}
	return w, nil
}

func (s *EscrowStore) WalletForUpdate(ctx context.Context, tx pgx.Tx, userID string) (escrow.Wallet, error) {
	return s.Wallet(ctx, tx, userID)
}

func (s *EscrowStore) AdjustWallet(ctx context.Context, tx pgx.Tx, userID string, balanceDelta, frozenDelta int64) (escrow.Wallet, error) {
	st := s.db.active(tx)
	w, ok := st.Wallets[userID]
	if !ok {
		w = escrow.Wallet{UserID: userID}
	}
	w.Balance += balanceDelta
	w.FrozenAmount += frozenDelta
	if w.Balance < 0 || w.FrozenAmount < 0 {
		return escrow.Wallet{}, escrow.ErrInsufficientFunds
	}
	w.UpdatedAt = time.Now().UTC()
	st.Wallets[userID] = w
	return w, nil
}

func (s *EscrowStore) AppendEntry(ctx context.Context, tx pgx.Tx, e escrow.Entry) error {
	st := s.db.active(tx)
	e.ID = s.db.nextSeq()
	st.Entries = append(st.Entries, e)
	return nil
}

func (s *EscrowStore) ListEntries(ctx context.Context, tx pgx.Tx, transactionID string) ([]escrow.Entry, error) {
	st := s.db.active(tx)
	var out []escrow.Entry
	for _, e := range st.Entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EscrowStore) ListForUser(ctx context.Context, tx pgx.Tx, userID string, limit int) ([]escrow.Transaction, error) {
	st := s.db.active(tx)
	var out []escrow.Transaction
	for _, t := range st.Transactions {
		if t.IsParty(userID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EscrowStore) ListDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	st := s.db.active(tx)
	var due []escrow.Transaction
	for _, t := range st.Transactions {
		if t.Status != escrow.StatusEscrowed {
			continue
		}
		if !t.ReleaseOnCompletion && (t.AutoReleaseAt == nil || t.AutoReleaseAt.After(now)) {
			continue
		}
		if !t.MilestonesComplete() || st.activeDispute(t.ID) {
			continue
		}
		due = append(due, t)
	}
	// auto_release_at NULLS LAST, then created_at, as in Postgres.
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		switch {
		case a.AutoReleaseAt != nil && b.AutoReleaseAt == nil:
			return true
		case a.AutoReleaseAt == nil && b.AutoReleaseAt != nil:
			return false
		case a.AutoReleaseAt != nil && !a.AutoReleaseAt.Equal(*b.AutoReleaseAt):
			return a.AutoReleaseAt.Before(*b.AutoReleaseAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, t := range due {
		ids[i] = t.ID
	}
	return ids, nil
}

// DisputeStore implements dispute.Store.
type DisputeStore struct{ db *DB }

var _ dispute.Store = (*DisputeStore)(nil)

func (s *DisputeStore) Insert(ctx context.Context, tx pgx.Tx, d dispute.Dispute) error {
	st := s.db.active(tx)
	for _, cur := range st.Disputes {
		if cur.EscrowTransactionID == d.EscrowTransactionID && cur.Status.Active() && d.Status.Active() {
			return dispute.ErrActiveDispute
		}
		if cur.CaseNumber == d.CaseNumber {
			return dispute.ErrDuplicateCaseNumber
		}
	}
	st.Disputes[d.ID] = d
	return nil
}

func (s *DisputeStore) Get(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error) {
	st := s.db.active(tx)
	d, ok := st.Disputes[id]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return d, nil
}

func (s *DisputeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error) {
	return s.Get(ctx, tx, id)
}

func (s *DisputeStore) ActiveForTransaction(ctx context.Context, tx pgx.Tx, escrowTransactionID string) (dispute.Dispute, bool, error) {
	st := s.db.active(tx)
	for _, d := range st.Disputes {
		if d.EscrowTransactionID == escrowTransactionID && d.Status.Active() {
			return d, true, nil
		}
	}
	return dispute.Dispute{}, false, nil
}

func (s *DisputeStore) Update(ctx context.Context, tx pgx.Tx, d dispute.Dispute) error {
	st := s.db.active(tx)
	cur, ok := st.Disputes[d.ID]
	if !ok {
		return dispute.ErrNotFound
	}
	if cur.Priority != d.Priority || cur.CaseNumber != d.CaseNumber {
		return fmt.Errorf("memstore: priority and case number are immutable")
	}
	st.Disputes[d.ID] = d
	return nil
}

func (s *DisputeStore) List(ctx context.Context, tx pgx.Tx, f dispute.ListFilter) ([]dispute.Dispute, error) {
	st := s.db.active(tx)
	var out []dispute.Dispute
	for _, d := range st.Disputes {
		if f.UserID != "" && !d.IsParty(f.UserID) {
			continue
		}
		if f.AssignedAgent != "" && d.AssignedAgent != f.AssignedAgent {
			continue
		}
		if f.EscrowTransactionID != "" && d.EscrowTransactionID != f.EscrowTransactionID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseNumber > out[j].CaseNumber })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DisputeStore) InsertMessage(ctx context.Context, tx pgx.Tx, m dispute.Message) error {
	st := s.db.active(tx)
	st.Messages = append(st.Messages, m)
	return nil
}

func (s *DisputeStore) ListMessages(ctx context.Context, tx pgx.Tx, disputeID string) ([]dispute.Message, error) {
	st := s.db.active(tx)
	var out []dispute.Message
	for _, m := range st.Messages {
		if m.DisputeID == disputeID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *DisputeStore) InsertEvidence(ctx context.Context, tx pgx.Tx, e dispute.Evidence) error {
	st := s.db.active(tx)
	st.Evidence = append(st.Evidence, e)
	return nil
}

func (s *DisputeStore) ListEvidence(ctx context.Context, tx pgx.Tx, disputeID string) ([]dispute.Evidence, error) {
	st := s.db.active(tx)
	var out []dispute.Evidence
	for _, e := range st.Evidence {
		if e.DisputeID == disputeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *DisputeStore) AppendHistory(ctx context.Context, tx pgx.Tx, h dispute.HistoryEntry) error {
	st := s.db.active(tx)
	h.ID = s.db.nextSeq()
	st.History = append(st.History, h)
	return nil
}

func (s *DisputeStore) ListHistory(ctx context.Context, tx pgx.Tx, disputeID string) ([]dispute.HistoryEntry, error) {
	st := s.db.active(tx)
	var out []dispute.HistoryEntry
	for _, h := range st.History {
		if h.DisputeID == disputeID {
			out = append(out, h)
		}
	}
	return out, nil
}

// Counter implements casenum.Counter.
type Counter struct{ db *DB }

func (c *Counter) Next(ctx context.Context, tx pgx.Tx, year int) (int64, error) {
	st := c.db.active(tx)
	st.Counters[year]++
	return st.Counters[year], nil
}

// SetCounter seeds the last issued sequence for year.
func (d *DB) SetCounter(year int, last int64) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	d.state.Counters[year] = last
}

// OutboxStore implements outbox.Store.
type OutboxStore struct{ db *DB }

var _ outbox.Store = (*OutboxStore)(nil)

func (s *OutboxStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	st := s.db.active(tx)
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memstore: marshal %s payload: %w", topic, err)
	}
	st.Outbox = append(st.Outbox, OutboxRow{
		Message: outbox.Message{
			ID:        fmt.Sprintf("msg-%d", s.db.nextSeq()),
			Topic:     topic,
			Payload:   b,
			CreatedAt: time.Now().UTC(),
		},
		Status: "pending",
	})
	return nil
}

func (s *OutboxStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]outbox.Message, error) {
	st := s.db.active(tx)
	var out []outbox.Message
	for _, r := range st.Outbox {
		if r.Status != "pending" {
			continue
		}
		out = append(out, r.Message)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return s.mark(tx, id, "processed", "")
}

func (s *OutboxStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string) error {
	return s.mark(tx, id, "dead", reason)
}

func (s *OutboxStore) mark(tx pgx.Tx, id, status, reason string) error {
	st := s.db.active(tx)
	for i := range st.Outbox {
		if st.Outbox[i].ID == id {
			st.Outbox[i].Status = status
			st.Outbox[i].Attempts++
			st.Outbox[i].LastError = reason
			return nil
		}
	}
	return fmt.Errorf("memstore: outbox message %s not found", id)
}

// IdempotencyStore implements payment.IdempotencyRepository.
type IdempotencyStore struct{ db *DB }

var _ payment.IdempotencyRepository = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	st := s.db.active(tx)
	if st.Idempotency[key] {
		return payment.ErrDuplicateIdempotencyKey
	}
	st.Idempotency[key] = true
	return nil
}
