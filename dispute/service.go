package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/db"
)

// Service runs the case operations that do not move funds. Opening and
// resolving a case go through settlement, which holds the escrow row too.
type Service struct {
	pool    db.TxBeginner
	manager *Manager
}

func NewService(pool db.TxBeginner, manager *Manager) *Service {
	return &Service{pool: pool, manager: manager}
}

// StartReview is called by the assigned agent or an admin.
func (s *Service) StartReview(ctx context.Context, caller auth.Caller, id string) (Dispute, error) {
	var out Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.manager.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := AuthorizeHandler(caller, d); err != nil {
			return err
		}
		out, err = s.manager.StartReview(ctx, tx, id, caller.UserID)
		return err
	})
	return out, err
}

// Close archives a resolved case.
func (s *Service) Close(ctx context.Context, caller auth.Caller, id string) (Dispute, error) {
	var out Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.manager.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := AuthorizeHandler(caller, d); err != nil {
			return err
		}
		out, err = s.manager.Close(ctx, tx, id, caller.UserID)
		return err
	})
	return out, err
}

func (s *Service) AddMessage(ctx context.Context, caller auth.Caller, id, content string) (Message, error) {
	var out Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.manager.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := AuthorizeViewer(caller, d); err != nil {
			return err
		}
		out, err = s.manager.AddMessage(ctx, tx, id, caller.UserID, content)
		return err
	})
	return out, err
}

func (s *Service) AddEvidence(ctx context.Context, caller auth.Caller, id string, in EvidenceInput) (Evidence, error) {
	var out Evidence
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		d, err := s.manager.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := AuthorizeViewer(caller, d); err != nil {
			return err
		}
		out, err = s.manager.AddEvidence(ctx, tx, id, caller.UserID, in)
		return err
	})
	return out, err
}

// Get returns a case with its messages, evidence and status history.
func (s *Service) Get(ctx context.Context, caller auth.Caller, id string) (Detail, error) {
	var out Detail
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		store := s.manager.store
		d, err := store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := AuthorizeViewer(caller, d); err != nil {
			return err
		}
		out.Dispute = d
		if out.Messages, err = store.ListMessages(ctx, tx, id); err != nil {
			return err
		}
		if out.Evidence, err = store.ListEvidence(ctx, tx, id); err != nil {
			return err
		}
		out.History, err = store.ListHistory(ctx, tx, id)
		return err
	})
	return out, err
}

// List scopes the filter by role: admins see every case, agents the cases
// assigned to them, everyone else the cases they are a party to.
func (s *Service) List(ctx context.Context, caller auth.Caller, f ListFilter) ([]Dispute, error) {
	if !caller.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	switch caller.Role {
	case auth.RoleAdmin:
	case auth.RoleAgent:
		f.AssignedAgent = caller.UserID
	default:
		f.UserID = caller.UserID
		f.AssignedAgent = ""
	}

	var out []Dispute
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.manager.store.List(ctx, tx, f)
		return err
	})
	return out, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return apperr.Translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Translate(fmt.Errorf("dispute: commit tx: %w", err))
	}
	return nil
}

// AuthorizeViewer admits the parties, the assigned agent and admins.
func AuthorizeViewer(caller auth.Caller, d Dispute) error {
	if !caller.Authenticated() {
		return apperr.ErrUnauthenticated
	}
	if caller.IsAdmin() || d.IsParty(caller.UserID) || caller.UserID == d.AssignedAgent {
		return nil
	}
	return ErrForbidden
}

// AuthorizeHandler admits the assigned agent and admins.
func AuthorizeHandler(caller auth.Caller, d Dispute) error {
	if !caller.Authenticated() {
		return apperr.ErrUnauthenticated
	}
	if caller.IsAdmin() || (caller.Role == auth.RoleAgent && caller.UserID == d.AssignedAgent) {
		return nil
	}
	return ErrForbidden
}
