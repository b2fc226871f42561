// Package settlement composes the escrow ledger and the dispute manager
// behind the operations that touch both. Each operation is one database
// transaction that locks the escrow row before the dispute row.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/db"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/metrics"
	"gigescrow/outbox"
)

type Config struct {
	Outbox  outbox.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	pool     db.TxBeginner
	ledger   *escrow.Ledger
	disputes *dispute.Manager
	outbox   outbox.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(pool db.TxBeginner, ledger *escrow.Ledger, disputes *dispute.Manager, cfg Config) *Orchestrator {
	if cfg.Outbox == nil {
		cfg.Outbox = outbox.NewPGStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		pool:     pool,
		ledger:   ledger,
		disputes: disputes,
		outbox:   cfg.Outbox,
		logger:   cfg.Logger.With("component", "settlement"),
		metrics:  cfg.Metrics,
	}
}

type CreateDisputeRequest struct {
	EscrowTransactionID string
	Type                dispute.Type
	Reason              string
	Evidence            []dispute.EvidenceInput
}

// CreateDispute opens a case against a held transaction on behalf of one of
// its parties and flips the transaction to DISPUTED in the same commit.
func (o *Orchestrator) CreateDispute(ctx context.Context, caller auth.Caller, req CreateDisputeRequest) (dispute.Dispute, error) {
	if !caller.Authenticated() {
		return dispute.Dispute{}, apperr.ErrUnauthenticated
	}
	if err := dispute.ValidateRequest(req.Type, req.Reason, req.Evidence); err != nil {
		return dispute.Dispute{}, err
	}

	var out dispute.Dispute
	err := o.inTx(ctx, "create_dispute", func(tx pgx.Tx) error {
		t, err := o.ledger.Store().GetForUpdate(ctx, tx, req.EscrowTransactionID)
		if err != nil {
			return err
		}
		if !t.IsParty(caller.UserID) {
			return dispute.ErrForbidden
		}
		switch t.Status {
		case escrow.StatusEscrowed:
		case escrow.StatusDisputed:
			return dispute.ErrActiveDispute
		default:
			return fmt.Errorf("%w: dispute from %s", escrow.ErrInvalidTransition, t.Status)
		}

		d, err := o.disputes.Open(ctx, tx, dispute.OpenParams{
			EscrowTransactionID: t.ID,
			CreatedBy:           caller.UserID,
			Respondent:          t.Counterparty(caller.UserID),
			Amount:              t.Amount,
			Currency:            t.Currency,
			Type:                req.Type,
			Reason:              req.Reason,
			Evidence:            req.Evidence,
		})
		if err != nil {
			return err
		}
		if _, err := o.ledger.MarkDisputed(ctx, tx, t.ID); err != nil {
			return err
		}
		if err := o.notifyDisputeFiled(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return dispute.Dispute{}, err
	}

	o.metrics.DisputeOpened(string(out.Priority))
	o.logger.Info("dispute opened", "dispute_id", out.ID, "case_number", out.CaseNumber,
		"transaction_id", out.EscrowTransactionID, "priority", out.Priority, "agent", out.AssignedAgent)
	return out, nil
}

type ResolveRequest struct {
	DisputeID   string
	Outcome     dispute.Outcome
	Description string
}

// ResolveDispute records the decision and settles the escrow accordingly.
// Only the assigned agent or an admin may resolve.
func (o *Orchestrator) ResolveDispute(ctx context.Context, caller auth.Caller, req ResolveRequest) (dispute.Dispute, error) {
	if !caller.Authenticated() {
		return dispute.Dispute{}, apperr.ErrUnauthenticated
	}
	if !caller.IsStaff() {
		return dispute.Dispute{}, dispute.ErrForbidden
	}

	var (
		out     dispute.Dispute
		settled escrow.Transaction
	)
	err := o.inTx(ctx, "resolve_dispute", func(tx pgx.Tx) error {
		d, err := o.disputes.Store().Get(ctx, tx, req.DisputeID)
		if err != nil {
			return err
		}
		if err := dispute.AuthorizeHandler(caller, d); err != nil {
			return err
		}
		if _, err := o.ledger.Store().GetForUpdate(ctx, tx, d.EscrowTransactionID); err != nil {
			return err
		}

		s := &resolutionSettler{o: o}
		out, err = o.disputes.Resolve(ctx, tx, dispute.ResolveParams{
			DisputeID:   req.DisputeID,
			ActorID:     caller.UserID,
			Outcome:     req.Outcome,
			Description: req.Description,
		}, s)
		if err != nil {
			return err
		}
		settled = s.settled
		return o.notifyResolved(ctx, tx, out, settled)
	})
	if err != nil {
		return dispute.Dispute{}, err
	}

	o.metrics.DisputeResolved(string(req.Outcome.Kind))
	o.metrics.EscrowSettled(string(settled.Status), string(escrow.SourceResolution), settled.Currency, settled.Amount)
	o.logger.Info("dispute resolved", "dispute_id", out.ID, "case_number", out.CaseNumber,
		"outcome", req.Outcome.Kind, "released", settled.ReleasedAmount, "refunded", settled.RefundedAmount)
	return out, nil
}

// resolutionSettler maps an outcome onto the ledger.
type resolutionSettler struct {
	o       *Orchestrator
	settled escrow.Transaction
}

func (s *resolutionSettler) Settle(ctx context.Context, tx pgx.Tx, d dispute.Dispute, outcome dispute.Outcome) error {
	var (
		t   escrow.Transaction
		err error
	)
	switch outcome.Kind {
	case dispute.OutcomeFundsReleased:
		t, err = s.o.ledger.Release(ctx, tx, escrow.ReleaseParams{TransactionID: d.EscrowTransactionID, Source: escrow.SourceResolution})
	case dispute.OutcomeRefunded:
		t, err = s.o.ledger.Refund(ctx, tx, escrow.RefundParams{TransactionID: d.EscrowTransactionID, Source: escrow.SourceResolution})
	case dispute.OutcomePartialSettlement:
		share := outcome.PayeeAmount
		t, err = s.o.ledger.Release(ctx, tx, escrow.ReleaseParams{TransactionID: d.EscrowTransactionID, Source: escrow.SourceResolution, Amount: &share})
	default:
		return fmt.Errorf("%w: %q", dispute.ErrInvalidOutcome, outcome.Kind)
	}
	if err != nil {
		return err
	}
	s.settled = t
	return nil
}

type ReleaseRequest struct {
	TransactionID string
	// Override releases before every milestone is complete.
	Override bool
}

// ReleaseEscrow pays out a held transaction at the payer's request.
func (o *Orchestrator) ReleaseEscrow(ctx context.Context, caller auth.Caller, req ReleaseRequest) (escrow.Transaction, error) {
	if !caller.Authenticated() {
		return escrow.Transaction{}, apperr.ErrUnauthenticated
	}

	var (
		out     escrow.Transaction
		changed bool
	)
	err := o.inTx(ctx, "release_escrow", func(tx pgx.Tx) error {
		t, err := o.ledger.Store().GetForUpdate(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		if caller.UserID != t.PayerID && !caller.IsAdmin() {
			return escrow.ErrForbidden
		}
		before := t.Status
		out, err = o.ledger.Release(ctx, tx, escrow.ReleaseParams{
			TransactionID: t.ID,
			Source:        escrow.SourceRequest,
			Override:      req.Override,
		})
		if err != nil {
			return err
		}
		changed = before != out.Status
		if !changed {
			return nil
		}
		return o.notifySettled(ctx, tx, out)
	})
	if err != nil {
		return escrow.Transaction{}, err
	}

	if changed {
		o.metrics.EscrowSettled(string(out.Status), string(escrow.SourceRequest), out.Currency, out.Amount)
		o.logger.Info("escrow released", "transaction_id", out.ID, "net", out.ReleasedAmount-out.PlatformFee-out.ProcessingFee)
	}
	return out, nil
}

type RefundRequest struct {
	TransactionID string
}

// RefundEscrow returns held funds to the payer. The payee or an admin may
// request it.
func (o *Orchestrator) RefundEscrow(ctx context.Context, caller auth.Caller, req RefundRequest) (escrow.Transaction, error) {
	if !caller.Authenticated() {
		return escrow.Transaction{}, apperr.ErrUnauthenticated
	}

	var (
		out     escrow.Transaction
		changed bool
	)
	err := o.inTx(ctx, "refund_escrow", func(tx pgx.Tx) error {
		t, err := o.ledger.Store().GetForUpdate(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		if caller.UserID != t.PayeeID && !caller.IsAdmin() {
			return escrow.ErrForbidden
		}
		before := t.Status
		out, err = o.ledger.Refund(ctx, tx, escrow.RefundParams{
			TransactionID: t.ID,
			Source:        escrow.SourceRequest,
		})
		if err != nil {
			return err
		}
		changed = before != out.Status
		if !changed {
			return nil
		}
		return o.notifySettled(ctx, tx, out)
	})
	if err != nil {
		return escrow.Transaction{}, err
	}

	if changed {
		o.metrics.EscrowSettled(string(out.Status), string(escrow.SourceRequest), out.Currency, out.Amount)
		o.logger.Info("escrow refunded", "transaction_id", out.ID, "amount", out.RefundedAmount)
	}
	return out, nil
}

// AfterAutoRelease is the scheduler hook for released transactions.
func (o *Orchestrator) AfterAutoRelease(ctx context.Context, tx pgx.Tx, t escrow.Transaction) error {
	return o.notifySettled(ctx, tx, t)
}

func (o *Orchestrator) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	err := o.runTx(ctx, fn)
	if err != nil && apperr.KindOf(err) == apperr.KindUnexpected {
		o.logger.Error("settlement operation failed", "op", op, "error", err, "retryable", apperr.Retryable(err))
	}
	return err
}

func (o *Orchestrator) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return apperr.Translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Translate(fmt.Errorf("settlement: commit tx: %w", err))
	}
	return nil
}
