package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigescrow/escrow"
	"gigescrow/notify"
	"gigescrow/outbox"
)

func TestHandleSettled_Idempotent(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrDuplicateIdempotencyKey}
	funder := &fakeFunder{}
	svc := NewService(pool, repo, funder, &fakeOutbox{})

	err := svc.HandleSettled(context.Background(), SettledEvent{IdempotencyKey: "evt-1", UserID: "u1", Amount: 1000})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback on replay")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on replay")
	}
	if funder.deposits != 0 {
		t.Errorf("expected no deposit on replay")
	}
}

func TestHandleSettled_DepositAndLock(t *testing.T) {
	pool := &fakePool{}
	funder := &fakeFunder{payer: "u1"}
	svc := NewService(pool, &fakeRepo{}, funder, &fakeOutbox{})

	err := svc.HandleSettled(context.Background(), SettledEvent{IdempotencyKey: "evt-2", UserID: "u1", Amount: 1000, EscrowTransactionID: "tx-1"})
	if err != nil {
		t.Fatalf("handle settled: %v", err)
	}
	if funder.deposits != 1 || funder.locked != "tx-1" {
		t.Fatalf("expected deposit then lock, got %+v", funder)
	}
	if funder.reference != "payment:evt-2" {
		t.Fatalf("reference = %q", funder.reference)
	}
	if !pool.tx.committed {
		t.Fatalf("expected commit")
	}
}

func TestHandleSettled_PayerMismatchRollsBack(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{}, &fakeFunder{payer: "someone-else"}, &fakeOutbox{})

	err := svc.HandleSettled(context.Background(), SettledEvent{IdempotencyKey: "evt-3", UserID: "u1", Amount: 1000, EscrowTransactionID: "tx-1"})
	if !errors.Is(err, ErrPayerMismatch) {
		t.Fatalf("expected ErrPayerMismatch, got %v", err)
	}
	if pool.tx.committed {
		t.Fatalf("expected no commit")
	}
}

func TestHandleSettled_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeFunder{}, &fakeOutbox{})
	for _, ev := range []SettledEvent{
		{UserID: "u1", Amount: 10},
		{IdempotencyKey: "k", Amount: 10},
		{IdempotencyKey: "k", UserID: "u1"},
	} {
		if err := svc.HandleSettled(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("event %+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}
}

func TestHandleFailed_EnqueuesNotification(t *testing.T) {
	pool := &fakePool{}
	out := &fakeOutbox{}
	svc := NewService(pool, &fakeRepo{}, &fakeFunder{}, out)

	if err := svc.HandleFailed(context.Background(), FailedEvent{IdempotencyKey: "evt-4", UserID: "u1", Reason: "card declined"}); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(out.events))
	}
	e := out.events[0]
	if e.Type != notify.TypePaymentFailed || e.UserID != "u1" {
		t.Fatalf("unexpected event %+v", e)
	}
	if !pool.tx.committed {
		t.Fatalf("expected commit")
	}
}

type fakeRepo struct {
	insertErr error
}

func (f *fakeRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	return f.insertErr
}

type fakeFunder struct {
	payer     string
	deposits  int
	reference string
	locked    string
}

func (f *fakeFunder) Deposit(ctx context.Context, tx pgx.Tx, userID string, amount int64, reference string) (escrow.Wallet, error) {
	f.deposits++
	f.reference = reference
	return escrow.Wallet{UserID: userID, Balance: amount}, nil
}

func (f *fakeFunder) Lock(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error) {
	f.locked = id
	return escrow.Transaction{ID: id, PayerID: f.payer, Status: escrow.StatusEscrowed}, nil
}

type fakeOutbox struct {
	events []notify.Event
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	if e, ok := payload.(notify.Event); ok {
		f.events = append(f.events, e)
	}
	return nil
}

func (f *fakeOutbox) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]outbox.Message, error) {
	return nil, nil
}

func (f *fakeOutbox) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string) error {
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
