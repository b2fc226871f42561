package escrow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/escrow"
	"gigescrow/fees"
)

var (
	payerCaller    = auth.Caller{UserID: payer, Role: auth.RoleClient}
	payeeCaller    = auth.Caller{UserID: payee, Role: auth.RoleConsultant}
	strangerCaller = auth.Caller{UserID: "44444444-4444-4444-4444-444444444444", Role: auth.RoleClient}
)

func (f *fixture) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	f.mustRun(t, func(tx pgx.Tx) error {
		_, err := f.ledger.Deposit(context.Background(), tx, userID, amount, "seed")
		return err
	})
}

func createParams(amount int64, fund bool) escrow.CreateParams {
	return escrow.CreateParams{
		OpenParams: escrow.OpenParams{
			PayeeID:  payee,
			Amount:   amount,
			Currency: "USD",
			Tier:     fees.TierPremium,
			Method:   fees.MethodBankTransfer,
		},
		Fund: fund,
	}
}

func TestService_CreateFunded(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)
	f.deposit(t, payer, 10_000)

	tr, err := svc.Create(context.Background(), payerCaller, createParams(8_000, true))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.PayerID != payer || tr.Status != escrow.StatusEscrowed {
		t.Fatalf("transaction = %+v", tr)
	}
	if w := f.wallet(payer); w.Balance != 2_000 || w.FrozenAmount != 8_000 {
		t.Fatalf("wallet = %+v", w)
	}

	entries, err := svc.Entries(context.Background(), payeeCaller, tr.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != escrow.EntryHold || entries[0].Amount != 8_000 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestService_CreateRollsBackWhenFundingFails(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)

	_, err := svc.Create(context.Background(), payerCaller, createParams(8_000, true))
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	list, err := svc.List(context.Background(), payerCaller, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("transaction survived a failed create: %+v", list)
	}
}

func TestService_CreateOnBehalfOfAnotherPayer(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)

	p := createParams(1_000, false)
	p.PayerID = payer
	if _, err := svc.Create(context.Background(), strangerCaller, p); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Create(context.Background(), auth.Caller{UserID: "admin-1", Role: auth.RoleAdmin}, p); err != nil {
		t.Fatalf("admin create: %v", err)
	}
	if _, err := svc.Create(context.Background(), auth.Caller{}, p); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestService_FundIsPayerOnly(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)
	f.deposit(t, payer, 5_000)

	tr, err := svc.Create(context.Background(), payerCaller, createParams(5_000, false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Status != escrow.StatusPending {
		t.Fatalf("status = %s", tr.Status)
	}
	if _, err := svc.Fund(context.Background(), payeeCaller, tr.ID); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("payee fund: expected ErrForbidden, got %v", err)
	}
	funded, err := svc.Fund(context.Background(), payerCaller, tr.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != escrow.StatusEscrowed {
		t.Fatalf("status = %s", funded.Status)
	}
}

func TestService_Visibility(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)
	tr := f.open(t, escrow.OpenParams{Amount: 3_000}, 3_000)
	ctx := context.Background()

	if _, err := svc.Get(ctx, payeeCaller, tr.ID); err != nil {
		t.Fatalf("payee get: %v", err)
	}
	if _, err := svc.Get(ctx, auth.Caller{UserID: "agent-1", Role: auth.RoleAgent}, tr.ID); err != nil {
		t.Fatalf("agent get: %v", err)
	}
	if _, err := svc.Get(ctx, strangerCaller, tr.ID); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("stranger get: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Entries(ctx, strangerCaller, tr.ID); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("stranger entries: expected ErrForbidden, got %v", err)
	}

	mine, err := svc.List(ctx, payeeCaller, 0)
	if err != nil || len(mine) != 1 || mine[0].ID != tr.ID {
		t.Fatalf("payee list = %+v, %v", mine, err)
	}
	theirs, err := svc.List(ctx, strangerCaller, 0)
	if err != nil || len(theirs) != 0 {
		t.Fatalf("stranger list = %+v, %v", theirs, err)
	}
}

func TestService_Wallet(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)
	f.open(t, escrow.OpenParams{Amount: 3_000}, 4_000)

	w, err := svc.Wallet(context.Background(), payerCaller)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Balance != 1_000 || w.FrozenAmount != 3_000 {
		t.Fatalf("wallet = %+v", w)
	}

	empty, err := svc.Wallet(context.Background(), strangerCaller)
	if err != nil || empty.Balance != 0 || empty.FrozenAmount != 0 {
		t.Fatalf("empty wallet = %+v, %v", empty, err)
	}
}

func TestService_CompleteMilestoneIsPayerOnly(t *testing.T) {
	f := newFixture(t)
	svc := escrow.NewService(f.db, f.ledger)
	tr := f.open(t, escrow.OpenParams{Amount: 2_000, Milestones: []string{"design", "build"}}, 2_000)
	ctx := context.Background()

	if _, err := svc.CompleteMilestone(ctx, payeeCaller, tr.ID, tr.Milestones[0].ID); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("payee complete: expected ErrForbidden, got %v", err)
	}
	out, err := svc.CompleteMilestone(ctx, payerCaller, tr.ID, tr.Milestones[0].ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.CompletedMilestones() != 1 {
		t.Fatalf("completed = %d", out.CompletedMilestones())
	}
}
