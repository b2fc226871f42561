package settlement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/notify"
)

// formatAmount renders minor units with two decimals.
func formatAmount(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + currency
}

func (o *Orchestrator) enqueue(ctx context.Context, tx pgx.Tx, events ...notify.Event) error {
	for _, e := range events {
		if e.UserID == "" {
			continue
		}
		if err := o.outbox.Enqueue(ctx, tx, notify.Topic, e); err != nil {
			return err
		}
	}
	return nil
}

// notifyDisputeFiled tells the respondent and every admin of the case's
// priority pool.
func (o *Orchestrator) notifyDisputeFiled(ctx context.Context, tx pgx.Tx, d dispute.Dispute) error {
	events := []notify.Event{{
		Type:    notify.TypeDisputeFiled,
		UserID:  d.Respondent,
		Title:   "Dispute filed: " + d.CaseNumber,
		Message: fmt.Sprintf("A %s dispute over %s was filed on your contract. Expected resolution by %s.", d.Type, formatAmount(d.Amount, d.Currency), d.ExpectedResolution.Format("2006-01-02")),
	}}
	for _, admin := range o.disputes.Assigner().Admins(d.Priority) {
		events = append(events, notify.Event{
			Type:    notify.TypeDisputeAssigned,
			UserID:  admin,
			Title:   fmt.Sprintf("New %s priority dispute: %s", d.Priority, d.CaseNumber),
			Message: fmt.Sprintf("Case %s (%s) was assigned to agent %s.", d.CaseNumber, formatAmount(d.Amount, d.Currency), d.AssignedAgent),
		})
	}
	return o.enqueue(ctx, tx, events...)
}

func (o *Orchestrator) notifyResolved(ctx context.Context, tx pgx.Tx, d dispute.Dispute, t escrow.Transaction) error {
	msg := fmt.Sprintf("Case %s was resolved: %s. Released %s, refunded %s.",
		d.CaseNumber, d.Resolution.Outcome,
		formatAmount(t.ReleasedAmount, t.Currency), formatAmount(t.RefundedAmount, t.Currency))
	return o.enqueue(ctx, tx,
		notify.Event{Type: notify.TypeDisputeResolved, UserID: d.CreatedBy, Title: "Dispute resolved: " + d.CaseNumber, Message: msg},
		notify.Event{Type: notify.TypeDisputeResolved, UserID: d.Respondent, Title: "Dispute resolved: " + d.CaseNumber, Message: msg},
	)
}

// notifySettled tells the party receiving funds.
func (o *Orchestrator) notifySettled(ctx context.Context, tx pgx.Tx, t escrow.Transaction) error {
	switch t.Status {
	case escrow.StatusCompleted:
		net := t.ReleasedAmount - t.PlatformFee - t.ProcessingFee
		return o.enqueue(ctx, tx, notify.Event{
			Type:    notify.TypeEscrowReleased,
			UserID:  t.PayeeID,
			Title:   "Payment released",
			Message: fmt.Sprintf("%s was released to your wallet after %s in fees.", formatAmount(net, t.Currency), formatAmount(t.PlatformFee+t.ProcessingFee, t.Currency)),
		})
	case escrow.StatusRefunded:
		return o.enqueue(ctx, tx, notify.Event{
			Type:    notify.TypeEscrowRefunded,
			UserID:  t.PayerID,
			Title:   "Escrow refunded",
			Message: fmt.Sprintf("%s was returned to your wallet.", formatAmount(t.RefundedAmount, t.Currency)),
		})
	default:
		return nil
	}
}
