package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/fees"
	"gigescrow/test/memstore"
)

const (
	payer = "11111111-1111-1111-1111-111111111111"
	payee = "22222222-2222-2222-2222-222222222222"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *memstore.DB
	ledger *escrow.Ledger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: memstore.New(), now: epoch}
	f.ledger = escrow.NewLedger(f.db.Escrow(), fees.DefaultSchedule()).WithClock(func() time.Time { return f.now })
	return f
}

// run executes fn in one transaction, committing on success.
func (f *fixture) run(t *testing.T, fn func(tx pgx.Tx) error) error {
	t.Helper()
	ctx := context.Background()
	tx, err := f.db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (f *fixture) mustRun(t *testing.T, fn func(tx pgx.Tx) error) {
	t.Helper()
	if err := f.run(t, fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) open(t *testing.T, p escrow.OpenParams, deposit int64) escrow.Transaction {
	t.Helper()
	if p.PayerID == "" {
		p.PayerID = payer
	}
	if p.PayeeID == "" {
		p.PayeeID = payee
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Tier == "" {
		p.Tier = fees.TierPremium
	}
	if p.Method == "" {
		p.Method = fees.MethodBankTransfer
	}
	var out escrow.Transaction
	f.mustRun(t, func(tx pgx.Tx) error {
		ctx := context.Background()
		if deposit > 0 {
			if _, err := f.ledger.Deposit(ctx, tx, p.PayerID, deposit, "seed"); err != nil {
				return err
			}
		}
		opened, err := f.ledger.Open(ctx, tx, p)
		if err != nil {
			return err
		}
		out, err = f.ledger.Lock(ctx, tx, opened.ID)
		return err
	})
	return out
}

func (f *fixture) wallet(userID string) escrow.Wallet {
	return f.db.Snapshot().Wallets[userID]
}

func TestOpenAndLock_FreezesPayerFunds(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 55_000}, 60_000)

	if tr.Status != escrow.StatusEscrowed {
		t.Fatalf("status = %s, want ESCROWED", tr.Status)
	}
	if tr.PlatformFee != 1925 || tr.ProcessingFee != 440 {
		t.Fatalf("fees = %d/%d, want 1925/440", tr.PlatformFee, tr.ProcessingFee)
	}
	w := f.wallet(payer)
	if w.Balance != 5_000 || w.FrozenAmount != 55_000 {
		t.Fatalf("payer wallet = %+v", w)
	}
}

func TestLock_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, func(tx pgx.Tx) error {
		ctx := context.Background()
		opened, err := f.ledger.Open(ctx, tx, escrow.OpenParams{
			PayerID: payer, PayeeID: payee, Amount: 1_000, Currency: "usd",
			Tier: fees.TierStandard, Method: fees.MethodCreditCard,
		})
		if err != nil {
			return err
		}
		_, err = f.ledger.Lock(ctx, tx, opened.ID)
		return err
	})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
	if n := len(f.db.Snapshot().Transactions); n != 0 {
		t.Fatalf("expected rollback to drop the opened transaction, found %d", n)
	}
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		p    escrow.OpenParams
		want error
	}{
		{"same party", escrow.OpenParams{PayerID: payer, PayeeID: payer, Amount: 10, Currency: "USD", Tier: fees.TierStandard, Method: fees.MethodCreditCard}, escrow.ErrInvalidParams},
		{"bad currency", escrow.OpenParams{PayerID: payer, PayeeID: payee, Amount: 10, Currency: "dollars", Tier: fees.TierStandard, Method: fees.MethodCreditCard}, escrow.ErrInvalidParams},
		{"zero amount", escrow.OpenParams{PayerID: payer, PayeeID: payee, Amount: 0, Currency: "USD", Tier: fees.TierStandard, Method: fees.MethodCreditCard}, fees.ErrInvalidAmount},
		{"unknown tier", escrow.OpenParams{PayerID: payer, PayeeID: payee, Amount: 10, Currency: "USD", Tier: "gold", Method: fees.MethodCreditCard}, fees.ErrUnknownTier},
		{"blank milestone", escrow.OpenParams{PayerID: payer, PayeeID: payee, Amount: 10, Currency: "USD", Tier: fees.TierStandard, Method: fees.MethodCreditCard, Milestones: []string{"design", " "}}, escrow.ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.run(t, func(tx pgx.Tx) error {
				_, err := f.ledger.Open(context.Background(), tx, tc.p)
				return err
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("kind = %s, want validation_error", apperr.KindOf(err))
			}
		})
	}
}

func TestRelease_PaysNetAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 55_000}, 55_000)

	release := func() (escrow.Transaction, error) {
		var out escrow.Transaction
		err := f.run(t, func(tx pgx.Tx) error {
			var err error
			out, err = f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceRequest})
			return err
		})
		return out, err
	}

	out, err := release()
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != escrow.StatusCompleted || out.ReleasedAmount != 55_000 || out.SettledAt == nil {
		t.Fatalf("unexpected transaction %+v", out)
	}
	if w := f.wallet(payee); w.Balance != 52_635 {
		t.Fatalf("payee balance = %d, want 52635", w.Balance)
	}
	if w := f.wallet(payer); w.FrozenAmount != 0 || w.Balance != 0 {
		t.Fatalf("payer wallet = %+v", w)
	}

	entriesBefore := len(f.db.Snapshot().Entries)
	again, err := release()
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if again.Status != escrow.StatusCompleted {
		t.Fatalf("status = %s", again.Status)
	}
	if got := len(f.db.Snapshot().Entries); got != entriesBefore {
		t.Fatalf("idempotent release appended %d entries", got-entriesBefore)
	}
	if w := f.wallet(payee); w.Balance != 52_635 {
		t.Fatalf("payee paid twice: %d", w.Balance)
	}
}

func TestRelease_MilestoneGate(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 10_000, Milestones: []string{"blueprint", "go-live"}}, 10_000)

	err := f.run(t, func(tx pgx.Tx) error {
		_, err := f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceRequest})
		return err
	})
	if !errors.Is(err, escrow.ErrMilestonesIncomplete) {
		t.Fatalf("expected ErrMilestonesIncomplete, got %v", err)
	}

	f.mustRun(t, func(tx pgx.Tx) error {
		for _, m := range tr.Milestones {
			if _, err := f.ledger.CompleteMilestone(context.Background(), tx, tr.ID, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	f.mustRun(t, func(tx pgx.Tx) error {
		out, err := f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceRequest})
		if err == nil && out.Status != escrow.StatusCompleted {
			t.Errorf("status = %s", out.Status)
		}
		return err
	})
}

func TestRelease_PayerOverrideSkipsMilestones(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 10_000, Milestones: []string{"only"}}, 10_000)

	f.mustRun(t, func(tx pgx.Tx) error {
		_, err := f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceRequest, Override: true})
		return err
	})

	// the scheduler never overrides
	tr2 := f.open(t, escrow.OpenParams{Amount: 10_000, Milestones: []string{"only"}}, 10_000)
	err := f.run(t, func(tx pgx.Tx) error {
		_, err := f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr2.ID, Source: escrow.SourceScheduler, Override: true})
		return err
	})
	if !errors.Is(err, escrow.ErrMilestonesIncomplete) {
		t.Fatalf("expected ErrMilestonesIncomplete, got %v", err)
	}
}

func TestDisputedTransaction_BlocksRequestButNotResolution(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 20_000}, 20_000)

	f.mustRun(t, func(tx pgx.Tx) error {
		out, err := f.ledger.MarkDisputed(context.Background(), tx, tr.ID)
		if err == nil && out.Status != escrow.StatusDisputed {
			t.Errorf("status = %s", out.Status)
		}
		return err
	})

	for _, op := range []struct {
		name string
		fn   func(tx pgx.Tx) error
	}{
		{"release", func(tx pgx.Tx) error {
			_, err := f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceRequest, Override: true})
			return err
		}},
		{"refund", func(tx pgx.Tx) error {
			_, err := f.ledger.Refund(context.Background(), tx, escrow.RefundParams{TransactionID: tr.ID, Source: escrow.SourceRequest})
			return err
		}},
	} {
		err := f.run(t, op.fn)
		if !errors.Is(err, escrow.ErrDisputeBlocksRelease) {
			t.Fatalf("%s: expected ErrDisputeBlocksRelease, got %v", op.name, err)
		}
	}

	f.mustRun(t, func(tx pgx.Tx) error {
		_, err := f.ledger.Refund(context.Background(), tx, escrow.RefundParams{TransactionID: tr.ID, Source: escrow.SourceResolution})
		return err
	})
	if w := f.wallet(payer); w.Balance != 20_000 || w.FrozenAmount != 0 {
		t.Fatalf("payer wallet after refund = %+v", w)
	}
	if w := f.wallet(payee); w.Balance != 0 {
		t.Fatalf("payee received funds on a full refund: %+v", w)
	}
}

func TestMarkDisputed_OnlyFromEscrowed(t *testing.T) {
	f := newFixture(t)
	var pending escrow.Transaction
	f.mustRun(t, func(tx pgx.Tx) error {
		var err error
		pending, err = f.ledger.Open(context.Background(), tx, escrow.OpenParams{
			PayerID: payer, PayeeID: payee, Amount: 500, Currency: "EUR",
			Tier: fees.TierEnterprise, Method: fees.MethodDigitalWallet,
		})
		return err
	})
	err := f.run(t, func(tx pgx.Tx) error {
		_, err := f.ledger.MarkDisputed(context.Background(), tx, pending.ID)
		return err
	})
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
}

func TestPartialRelease_RecomputesFeesOnShare(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 55_000}, 55_000)

	share := int64(30_000)
	var out escrow.Transaction
	f.mustRun(t, func(tx pgx.Tx) error {
		var err error
		if _, err = f.ledger.MarkDisputed(context.Background(), tx, tr.ID); err != nil {
			return err
		}
		out, err = f.ledger.Release(context.Background(), tx, escrow.ReleaseParams{TransactionID: tr.ID, Source: escrow.SourceResolution, Amount: &share})
		return err
	})

	q, _ := fees.Compute(share, fees.TierPremium, fees.MethodBankTransfer)
	if out.PlatformFee != q.PlatformFee || out.ProcessingFee != q.ProcessingFee {
		t.Fatalf("fees = %d/%d, want %d/%d", out.PlatformFee, out.ProcessingFee, q.PlatformFee, q.ProcessingFee)
	}
	if out.ReleasedAmount != 30_000 || out.RefundedAmount != 25_000 {
		t.Fatalf("split = %d/%d", out.ReleasedAmount, out.RefundedAmount)
	}
	if w := f.wallet(payee); w.Balance != q.NetAmount {
		t.Fatalf("payee balance = %d, want %d", w.Balance, q.NetAmount)
	}
	if w := f.wallet(payer); w.Balance != 25_000 || w.FrozenAmount != 0 {
		t.Fatalf("payer wallet = %+v", w)
	}
}

func TestAutoReleaseIfEligible(t *testing.T) {
	f := newFixture(t)
	due := epoch.Add(72 * time.Hour)
	tr := f.open(t, escrow.OpenParams{Amount: 8_000, AutoReleaseAt: &due}, 8_000)

	check := func(now time.Time) bool {
		var released bool
		f.mustRun(t, func(tx pgx.Tx) error {
			var err error
			released, _, err = f.ledger.AutoReleaseIfEligible(context.Background(), tx, tr.ID, now)
			return err
		})
		return released
	}

	if check(due.Add(-time.Minute)) {
		t.Fatalf("released before the auto-release date")
	}
	if !check(due) {
		t.Fatalf("expected release at the auto-release date")
	}
	if check(due.Add(time.Hour)) {
		t.Fatalf("second evaluation must be a no-op")
	}
	if got := f.db.Snapshot().Transactions[tr.ID].Status; got != escrow.StatusCompleted {
		t.Fatalf("status = %s", got)
	}
}

func TestAutoReleaseIfEligible_SkipsActiveDispute(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 8_000, ReleaseOnCompletion: true}, 8_000)

	f.mustRun(t, func(tx pgx.Tx) error {
		return f.db.Disputes().Insert(context.Background(), tx, dispute.Dispute{
			ID: "d-1", CaseNumber: "CASE-2025-001", Status: dispute.StatusOpen,
			EscrowTransactionID: tr.ID, Amount: tr.Amount, Priority: dispute.PriorityMedium,
		})
	})

	f.mustRun(t, func(tx pgx.Tx) error {
		released, _, err := f.ledger.AutoReleaseIfEligible(context.Background(), tx, tr.ID, epoch.Add(time.Hour))
		if released {
			t.Errorf("released while a dispute is open")
		}
		return err
	})
}

func TestCompleteMilestone(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, escrow.OpenParams{Amount: 1_000, Milestones: []string{"a", "b"}}, 1_000)

	f.mustRun(t, func(tx pgx.Tx) error {
		out, err := f.ledger.CompleteMilestone(context.Background(), tx, tr.ID, tr.Milestones[0].ID)
		if err == nil && out.CompletedMilestones() != 1 {
			t.Errorf("completed = %d", out.CompletedMilestones())
		}
		return err
	})

	err := f.run(t, func(tx pgx.Tx) error {
		_, err := f.ledger.CompleteMilestone(context.Background(), tx, tr.ID, "missing")
		return err
	})
	if !errors.Is(err, escrow.ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
}
