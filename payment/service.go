// Package payment applies settled and failed events from the payment
// processor. Every event carries an idempotency key; replays are no-ops.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/db"
	"gigescrow/escrow"
	"gigescrow/notify"
	"gigescrow/outbox"
)

var (
	ErrInvalidEvent  = apperr.New(apperr.KindValidation, "invalid_payment_event", "payment: invalid event")
	ErrPayerMismatch = apperr.New(apperr.KindConflict, "payer_mismatch", "payment: settled funds do not belong to the transaction payer")
)

// SettledEvent credits cleared funds and optionally locks them into a
// pending escrow transaction.
type SettledEvent struct {
	IdempotencyKey      string
	UserID              string
	Amount              int64
	Currency            string
	EscrowTransactionID string
}

type FailedEvent struct {
	IdempotencyKey      string
	UserID              string
	Amount              int64
	Currency            string
	EscrowTransactionID string
	Reason              string
}

// IdempotencyRepository reserves processor event keys.
type IdempotencyRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// Funder is the part of the escrow ledger used for incoming funds.
type Funder interface {
	Deposit(ctx context.Context, tx pgx.Tx, userID string, amount int64, reference string) (escrow.Wallet, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error)
}

type Service struct {
	pool   db.TxBeginner
	repo   IdempotencyRepository
	funder Funder
	outbox outbox.Store
}

func NewService(pool db.TxBeginner, repo IdempotencyRepository, funder Funder, out outbox.Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if out == nil {
		out = outbox.NewPGStore()
	}
	return &Service{pool: pool, repo: repo, funder: funder, outbox: out}
}

// HandleSettled deposits the amount and, when the event names a
// transaction, moves it from PENDING to ESCROWED in the same commit.
func (s *Service) HandleSettled(ctx context.Context, ev SettledEvent) error {
	if strings.TrimSpace(ev.IdempotencyKey) == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidEvent)
	}
	if ev.UserID == "" || ev.Amount <= 0 {
		return fmt.Errorf("%w: user and positive amount are required", ErrInvalidEvent)
	}

	return s.inTx(ctx, ev.IdempotencyKey, func(tx pgx.Tx) error {
		if _, err := s.funder.Deposit(ctx, tx, ev.UserID, ev.Amount, "payment:"+ev.IdempotencyKey); err != nil {
			return err
		}
		if ev.EscrowTransactionID == "" {
			return nil
		}
		t, err := s.funder.Lock(ctx, tx, ev.EscrowTransactionID)
		if err != nil {
			return err
		}
		if t.PayerID != ev.UserID {
			return ErrPayerMismatch
		}
		return nil
	})
}

// HandleFailed records the event and tells the payer.
func (s *Service) HandleFailed(ctx context.Context, ev FailedEvent) error {
	if strings.TrimSpace(ev.IdempotencyKey) == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidEvent)
	}
	if ev.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidEvent)
	}

	return s.inTx(ctx, ev.IdempotencyKey, func(tx pgx.Tx) error {
		msg := "Your payment could not be processed."
		if ev.Reason != "" {
			msg = fmt.Sprintf("Your payment could not be processed: %s.", ev.Reason)
		}
		return s.outbox.Enqueue(ctx, tx, notify.Topic, notify.Event{
			Type:    notify.TypePaymentFailed,
			UserID:  ev.UserID,
			Title:   "Payment failed",
			Message: msg,
		})
	})
}

func (s *Service) inTx(ctx context.Context, key string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, key); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return apperr.Translate(err)
	}
	if err := fn(tx); err != nil {
		return apperr.Translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Translate(fmt.Errorf("payment: commit tx: %w", err))
	}
	return nil
}
