package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/casenum"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/fees"
	"gigescrow/outbox"
	"gigescrow/payment"
	"gigescrow/settlement"
)

// Admin is the staff identity the adjudicator acts as.
const Admin = "stress-admin"

// System wires the production services against one pool.
type System struct {
	Escrow   *escrow.Service
	Disputes *dispute.Service
	Settle   *settlement.Orchestrator
	Payments *payment.Service
	Relay    *outbox.Relay

	mu      sync.Mutex
	held    []string
	errKind map[apperr.Kind]int
}

type discardSink struct{}

func (discardSink) Deliver(context.Context, string, []byte) error { return nil }

func NewSystem(pool *pgxpool.Pool) *System {
	out := outbox.NewPGStore()
	ledger := escrow.NewLedger(escrow.NewRepository(), fees.DefaultSchedule())
	manager := dispute.NewManager(dispute.NewRepository(), casenum.NewGenerator(casenum.PGCounter{}), dispute.NewRosterAssigner(dispute.Roster{
		Agents: map[dispute.Priority][]string{
			dispute.PriorityLow:    {"agent-low"},
			dispute.PriorityMedium: {"agent-m1", "agent-m2"},
			dispute.PriorityHigh:   {"agent-high"},
		},
		Admins: map[dispute.Priority][]string{dispute.PriorityHigh: {Admin}},
	}))
	return &System{
		Escrow:   escrow.NewService(pool, ledger),
		Disputes: dispute.NewService(pool, manager),
		Settle:   settlement.New(pool, ledger, manager, settlement.Config{Outbox: out}),
		Payments: payment.NewService(pool, payment.NewRepository(), ledger, out),
		Relay:    outbox.NewRelay(pool, out, discardSink{}, outbox.RelayConfig{Batch: 25}),
		errKind:  map[apperr.Kind]int{},
	}
}

func (s *System) track(id string) {
	s.mu.Lock()
	s.held = append(s.held, id)
	s.mu.Unlock()
}

func (s *System) pick() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.held) == 0 {
		return "", false
	}
	return s.held[rand.Intn(len(s.held))], true
}

// note counts a domain error. Context cancellation is returned so the actor stops.
func (s *System) note(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.errKind[apperr.KindOf(err)]++
	s.mu.Unlock()
	return nil
}

// ErrorCounts reports domain errors seen per kind.
func (s *System) ErrorCounts() map[apperr.Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[apperr.Kind]int, len(s.errKind))
	for k, v := range s.errKind {
		out[k] = v
	}
	return out
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(lo, span int) {
	time.Sleep(time.Duration(lo+rand.Intn(span)) * time.Millisecond)
}

// amounts straddle every priority band.
var amounts = []int64{1_200, 4_999, 5_000, 18_000, 50_000, 50_001, 75_000}

// Payer deposits funds through the processor webhook and opens funded escrows.
func Payer(ctx context.Context, sys *System, payerID, payeeID string, stop <-chan struct{}) error {
	caller := auth.Caller{UserID: payerID, Role: auth.RoleClient}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		amount := amounts[rand.Intn(len(amounts))]
		err := sys.Payments.HandleSettled(ctx, payment.SettledEvent{
			IdempotencyKey: "stress-" + uuid.NewString(),
			UserID:         payerID,
			Amount:         amount,
			Currency:       "USD",
		})
		if err := sys.note(ctx, err); err != nil {
			return err
		}

		t, err := sys.Escrow.Create(ctx, caller, escrow.CreateParams{
			OpenParams: escrow.OpenParams{
				PayeeID:             payeeID,
				Amount:              amount,
				Currency:            "USD",
				Tier:                fees.TierPremium,
				Method:              fees.MethodBankTransfer,
				ReleaseOnCompletion: true,
			},
			Fund: true,
		})
		if err == nil {
			sys.track(t.ID)
		} else if err := sys.note(ctx, err); err != nil {
			return err
		}
		pause(20, 40)
	}
}

// Disputer races both parties into opening cases on random transactions.
func Disputer(ctx context.Context, sys *System, payerID, payeeID string, stop <-chan struct{}) error {
	types := []dispute.Type{dispute.TypePayment, dispute.TypeQuality, dispute.TypeDelivery, dispute.TypeScope}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := sys.pick()
		if !ok {
			pause(10, 20)
			continue
		}
		party := payerID
		if rand.Intn(2) == 0 {
			party = payeeID
		}
		_, err := sys.Settle.CreateDispute(ctx, auth.Caller{UserID: party, Role: auth.RoleClient}, settlement.CreateDisputeRequest{
			EscrowTransactionID: id,
			Type:                types[rand.Intn(len(types))],
			Reason:              fmt.Sprintf("stress reason %d", rand.Intn(1000)),
			Evidence: []dispute.EvidenceInput{
				{Type: "document", Filename: "sow.pdf", URL: "https://files.example/sow.pdf"},
			},
		})
		if err := sys.note(ctx, err); err != nil {
			return err
		}
		pause(10, 30)
	}
}

// Adjudicator reviews and resolves open cases with random outcomes.
func Adjudicator(ctx context.Context, sys *System, stop <-chan struct{}) error {
	admin := auth.Caller{UserID: Admin, Role: auth.RoleAdmin}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		open, err := sys.Disputes.List(ctx, admin, dispute.ListFilter{Status: dispute.StatusOpen, Limit: 10})
		if err := sys.note(ctx, err); err != nil {
			return err
		}
		for _, d := range open {
			if _, err := sys.Disputes.StartReview(ctx, admin, d.ID); err != nil {
				if err := sys.note(ctx, err); err != nil {
					return err
				}
				continue
			}
			_, err := sys.Settle.ResolveDispute(ctx, admin, settlement.ResolveRequest{
				DisputeID:   d.ID,
				Outcome:     randomOutcome(d.Amount),
				Description: "stress resolution",
			})
			if err := sys.note(ctx, err); err != nil {
				return err
			}
		}
		pause(30, 40)
	}
}

func randomOutcome(amount int64) dispute.Outcome {
	switch rand.Intn(3) {
	case 0:
		return dispute.Outcome{Kind: dispute.OutcomeFundsReleased}
	case 1:
		return dispute.Outcome{Kind: dispute.OutcomeRefunded}
	default:
		share := int64(1)
		if amount > 2 {
			share = 1 + rand.Int63n(amount-1)
		}
		return dispute.Outcome{Kind: dispute.OutcomePartialSettlement, PayeeAmount: share}
	}
}

// Releaser has the payer release random transactions, racing the disputer.
func Releaser(ctx context.Context, sys *System, payerID string, stop <-chan struct{}) error {
	caller := auth.Caller{UserID: payerID, Role: auth.RoleClient}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if id, ok := sys.pick(); ok {
			_, err := sys.Settle.ReleaseEscrow(ctx, caller, settlement.ReleaseRequest{TransactionID: id})
			if err := sys.note(ctx, err); err != nil {
				return err
			}
		}
		pause(40, 60)
	}
}

// OutboxWorker drains notifications while the other actors write them.
func OutboxWorker(ctx context.Context, sys *System, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sys.Relay.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			if err := sys.note(ctx, err); err != nil {
				return err
			}
		}
		pause(50, 50)
	}
}
