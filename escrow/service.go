package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/db"
)

// Service runs standalone ledger operations, each in its own transaction,
// after checking the caller may touch the transaction.
type Service struct {
	pool   db.TxBeginner
	ledger *Ledger
}

func NewService(pool db.TxBeginner, ledger *Ledger) *Service {
	return &Service{pool: pool, ledger: ledger}
}

type CreateParams struct {
	OpenParams
	// Fund locks the amount from the payer's available balance right away.
	Fund bool
}

// Create opens a transaction on behalf of the payer.
func (s *Service) Create(ctx context.Context, caller auth.Caller, p CreateParams) (Transaction, error) {
	if !caller.Authenticated() {
		return Transaction{}, apperr.ErrUnauthenticated
	}
	if p.PayerID == "" {
		p.PayerID = caller.UserID
	}
	if p.PayerID != caller.UserID && !caller.IsAdmin() {
		return Transaction{}, ErrForbidden
	}

	var out Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.ledger.Open(ctx, tx, p.OpenParams)
		if err != nil {
			return err
		}
		if p.Fund {
			if t, err = s.ledger.Lock(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}

// Fund locks a PENDING transaction against the payer's available balance.
func (s *Service) Fund(ctx context.Context, caller auth.Caller, id string) (Transaction, error) {
	var out Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.ledger.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizePayer(caller, t); err != nil {
			return err
		}
		out, err = s.ledger.Lock(ctx, tx, id)
		return err
	})
	return out, err
}

// Get returns a transaction visible to its parties and to staff.
func (s *Service) Get(ctx context.Context, caller auth.Caller, id string) (Transaction, error) {
	var out Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.ledger.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizeParty(caller, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// List returns the caller's most recent transactions.
func (s *Service) List(ctx context.Context, caller auth.Caller, limit int) ([]Transaction, error) {
	if !caller.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	var out []Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.ledger.store.ListForUser(ctx, tx, caller.UserID, limit)
		return err
	})
	return out, err
}

// Entries returns the audit trail of one transaction.
func (s *Service) Entries(ctx context.Context, caller auth.Caller, id string) ([]Entry, error) {
	var out []Entry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.ledger.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizeParty(caller, t); err != nil {
			return err
		}
		out, err = s.ledger.store.ListEntries(ctx, tx, id)
		return err
	})
	return out, err
}

// Wallet returns the caller's balances.
func (s *Service) Wallet(ctx context.Context, caller auth.Caller) (Wallet, error) {
	if !caller.Authenticated() {
		return Wallet{}, apperr.ErrUnauthenticated
	}
	var out Wallet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.ledger.store.Wallet(ctx, tx, caller.UserID)
		return err
	})
	return out, err
}

// CompleteMilestone lets the payer sign off one milestone.
func (s *Service) CompleteMilestone(ctx context.Context, caller auth.Caller, id, milestoneID string) (Transaction, error) {
	var out Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.ledger.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizePayer(caller, t); err != nil {
			return err
		}
		out, err = s.ledger.CompleteMilestone(ctx, tx, id, milestoneID)
		return err
	})
	return out, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return apperr.Translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Translate(fmt.Errorf("escrow: commit tx: %w", err))
	}
	return nil
}

func authorizeParty(caller auth.Caller, t Transaction) error {
	if !caller.Authenticated() {
		return apperr.ErrUnauthenticated
	}
	if caller.IsStaff() || t.IsParty(caller.UserID) {
		return nil
	}
	return ErrForbidden
}

func authorizePayer(caller auth.Caller, t Transaction) error {
	if !caller.Authenticated() {
		return apperr.ErrUnauthenticated
	}
	if caller.IsAdmin() || caller.UserID == t.PayerID {
		return nil
	}
	return ErrForbidden
}
