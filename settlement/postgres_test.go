package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"gigescrow/casenum"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/fees"
	"gigescrow/outbox"
	"gigescrow/settlement"
	"gigescrow/test/infra"
)

type pgHarness struct {
	h      *infra.Harness
	ledger *escrow.Ledger
	orch   *settlement.Orchestrator
	svc    *dispute.Service
	relay  *outbox.Relay

	mu  sync.Mutex
	now time.Time
}

func newPGHarness(t *testing.T) *pgHarness {
	t.Helper()
	p := &pgHarness{h: infra.Start(t), now: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)}
	if err := p.h.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	clock := func() time.Time {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.now
	}
	pool := p.h.Pool()
	out := outbox.NewPGStore()
	p.ledger = escrow.NewLedger(escrow.NewRepository(), fees.DefaultSchedule()).WithClock(clock)
	manager := dispute.NewManager(dispute.NewRepository(), casenum.NewGenerator(casenum.PGCounter{}), dispute.NewRosterAssigner(dispute.Roster{
		Agents: map[dispute.Priority][]string{
			dispute.PriorityLow:    {"agent-1"},
			dispute.PriorityMedium: {"agent-1", "agent-2"},
			dispute.PriorityHigh:   {"agent-3"},
		},
	})).WithClock(clock)
	p.orch = settlement.New(pool, p.ledger, manager, settlement.Config{
		Outbox: out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.svc = dispute.NewService(pool, manager)
	p.relay = outbox.NewRelay(pool, out, &countingSink{}, outbox.RelayConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return p
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (s *countingSink) Deliver(context.Context, string, []byte) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (p *pgHarness) setNow(t time.Time) {
	p.mu.Lock()
	p.now = t
	p.mu.Unlock()
}

func (p *pgHarness) fund(t *testing.T, amount int64) escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := p.h.Pool().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := p.ledger.Deposit(ctx, tx, payer, amount, "seed"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	opened, err := p.ledger.Open(ctx, tx, escrow.OpenParams{
		PayerID: payer, PayeeID: payee, Amount: amount, Currency: "USD",
		Tier: fees.TierPremium, Method: fees.MethodBankTransfer,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	locked, err := p.ledger.Lock(ctx, tx, opened.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return locked
}

func (p *pgHarness) createDispute(txID string) (dispute.Dispute, error) {
	return p.orch.CreateDispute(context.Background(), payerCaller, settlement.CreateDisputeRequest{
		EscrowTransactionID: txID,
		Type:                dispute.TypeDelivery,
		Reason:              "milestone missed",
		Evidence:            []dispute.EvidenceInput{{Type: "document", Filename: "sow.pdf", URL: "https://files.example/sow.pdf"}},
	})
}

func (p *pgHarness) wallet(t *testing.T, userID string) (balance, frozen int64) {
	t.Helper()
	err := p.h.Pool().QueryRow(context.Background(),
		`SELECT balance, frozen_amount FROM wallet_balances WHERE user_id = $1`, userID).Scan(&balance, &frozen)
	if err != nil {
		t.Fatalf("wallet %s: %v", userID, err)
	}
	return balance, frozen
}

func TestPostgres_DisputeRefundScenario(t *testing.T) {
	p := newPGHarness(t)
	ctx := context.Background()
	tr := p.fund(t, 55_000)

	if balance, frozen := p.wallet(t, payer); balance != 0 || frozen != 55_000 {
		t.Fatalf("after funding balance=%d frozen=%d", balance, frozen)
	}

	d, err := p.createDispute(tr.ID)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	if d.CaseNumber != "CASE-2025-001" || d.Priority != dispute.PriorityHigh {
		t.Fatalf("dispute = %s %s", d.CaseNumber, d.Priority)
	}
	if want := p.now.AddDate(0, 0, 5); !d.ExpectedResolution.Equal(want) {
		t.Fatalf("expected resolution = %s, want %s", d.ExpectedResolution, want)
	}

	var status string
	if err := p.h.Pool().QueryRow(ctx, `SELECT status FROM escrow_transactions WHERE id = $1`, tr.ID).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != string(escrow.StatusDisputed) {
		t.Fatalf("transaction status = %s", status)
	}

	detail, err := p.svc.Get(ctx, payerCaller, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Messages) != 1 || len(detail.Evidence) != 1 {
		t.Fatalf("children: %d messages, %d evidence", len(detail.Messages), len(detail.Evidence))
	}

	if _, err := p.svc.StartReview(ctx, adminCaller, d.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	resolved, err := p.orch.ResolveDispute(ctx, adminCaller, settlement.ResolveRequest{
		DisputeID:   d.ID,
		Outcome:     dispute.Outcome{Kind: dispute.OutcomeRefunded},
		Description: "deliverable not provided",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != dispute.StatusResolved {
		t.Fatalf("dispute status = %s", resolved.Status)
	}
	if balance, frozen := p.wallet(t, payer); balance != 55_000 || frozen != 0 {
		t.Fatalf("after refund balance=%d frozen=%d", balance, frozen)
	}

	n, err := p.relay.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n == 0 {
		t.Fatalf("no notifications were queued")
	}
}

func TestPostgres_ConcurrentDisputesOnOneTransaction(t *testing.T) {
	p := newPGHarness(t)
	tr := p.fund(t, 9_000)

	var (
		mu        sync.Mutex
		successes int
		conflicts int
	)
	g := new(errgroup.Group)
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := p.createDispute(tr.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, dispute.ErrActiveDispute):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("successes=%d conflicts=%d", successes, conflicts)
	}
}

func TestPostgres_CaseNumbersGaplessUnderConcurrency(t *testing.T) {
	p := newPGHarness(t)
	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = p.fund(t, int64(1_000+i)).ID
	}

	var (
		mu    sync.Mutex
		cases []string
	)
	g := new(errgroup.Group)
	for _, id := range ids {
		g.Go(func() error {
			d, err := p.createDispute(id)
			if err != nil {
				return err
			}
			mu.Lock()
			cases = append(cases, d.CaseNumber)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("create: %v", err)
	}

	sort.Strings(cases)
	for i, c := range cases {
		if want := fmt.Sprintf("CASE-2025-%03d", i+1); c != want {
			t.Fatalf("case numbers = %v", cases)
		}
	}
}

func TestPostgres_CaseNumberYearRollover(t *testing.T) {
	p := newPGHarness(t)
	ctx := context.Background()
	if _, err := p.h.Pool().Exec(ctx, `INSERT INTO dispute_case_counters (year, last_seq) VALUES (2024, 2)`); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	first := p.fund(t, 3_000)
	second := p.fund(t, 3_000)

	p.setNow(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC))
	d, err := p.createDispute(first.ID)
	if err != nil || d.CaseNumber != "CASE-2024-003" {
		t.Fatalf("last of 2024 = %q, %v", d.CaseNumber, err)
	}

	p.setNow(time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC))
	d, err = p.createDispute(second.ID)
	if err != nil || d.CaseNumber != "CASE-2025-001" {
		t.Fatalf("first of 2025 = %q, %v", d.CaseNumber, err)
	}
}

func TestPostgres_ConcurrentFirstCreditsToOneWallet(t *testing.T) {
	p := newPGHarness(t)
	ctx := context.Background()
	const n = 4
	txs := make([]escrow.Transaction, n)
	for i := range txs {
		txs[i] = p.fund(t, 20_000)
	}

	gate := make(chan struct{})
	g := new(errgroup.Group)
	for _, tr := range txs {
		g.Go(func() error {
			<-gate
			_, err := p.orch.ReleaseEscrow(ctx, payerCaller, settlement.ReleaseRequest{TransactionID: tr.ID})
			return err
		})
	}
	close(gate)
	if err := g.Wait(); err != nil {
		t.Fatalf("release: %v", err)
	}

	var want int64
	for _, tr := range txs {
		want += tr.Amount - tr.PlatformFee - tr.ProcessingFee
	}
	if balance, frozen := p.wallet(t, payee); balance != want || frozen != 0 {
		t.Fatalf("payee balance=%d frozen=%d, want %d", balance, frozen, want)
	}
	if balance, frozen := p.wallet(t, payer); balance != 0 || frozen != 0 {
		t.Fatalf("payer balance=%d frozen=%d", balance, frozen)
	}
}
