package escrow

import (
	"time"

	"gigescrow/fees"
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusEscrowed  Status = "ESCROWED"
	StatusCompleted Status = "COMPLETED"
	StatusDisputed  Status = "DISPUTED"
	StatusRefunded  Status = "REFUNDED"
)

// Held reports whether funds in this status are frozen on the payer's wallet.
func (s Status) Held() bool {
	return s == StatusEscrowed || s == StatusDisputed
}

// Milestone is one deliverable gating release.
type Milestone struct {
	ID            string
	TransactionID string
	Position      int
	Title         string
	CompletedAt   *time.Time
}

func (m Milestone) Completed() bool {
	return m.CompletedAt != nil
}

// Transaction mirrors the escrow_transactions table plus its milestones.
// Amounts are in the currency's minor unit.
type Transaction struct {
	ID                  string
	PayerID             string
	PayeeID             string
	Amount              int64
	Currency            string
	Status              Status
	PayerTier           fees.Tier
	PaymentMethod       fees.Method
	PlatformFee         int64
	ProcessingFee       int64
	AutoReleaseAt       *time.Time
	ReleaseOnCompletion bool
	ReleasedAmount      int64
	RefundedAmount      int64
	Milestones          []Milestone
	CreatedAt           time.Time
	UpdatedAt           time.Time
	SettledAt           *time.Time
}

// IsParty reports whether userID is the payer or the payee.
func (t Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.PayerID || userID == t.PayeeID)
}

// Counterparty returns the other party, or "" when userID is not a party.
func (t Transaction) Counterparty(userID string) string {
	switch userID {
	case t.PayerID:
		return t.PayeeID
	case t.PayeeID:
		return t.PayerID
	default:
		return ""
	}
}

// MilestonesComplete is true when every milestone is done. A transaction
// without milestones is complete.
func (t Transaction) MilestonesComplete() bool {
	for _, m := range t.Milestones {
		if !m.Completed() {
			return false
		}
	}
	return true
}

// CompletedMilestones counts finished milestones.
func (t Transaction) CompletedMilestones() int {
	n := 0
	for _, m := range t.Milestones {
		if m.Completed() {
			n++
		}
	}
	return n
}

// Wallet is a user's available and frozen funds.
type Wallet struct {
	UserID       string
	Balance      int64
	FrozenAmount int64
	UpdatedAt    time.Time
}

// EntryKind labels an append-only ledger row.
type EntryKind string

const (
	EntryDeposit       EntryKind = "deposit"
	EntryHold          EntryKind = "hold"
	EntryDisputeOpened EntryKind = "dispute_opened"
	EntryRelease       EntryKind = "release"
	EntryFee           EntryKind = "fee"
	EntryRefund        EntryKind = "refund"
)

// Entry is one row of the escrow audit trail.
type Entry struct {
	ID            int64
	TransactionID string
	UserID        string
	Kind          EntryKind
	Amount        int64
	Reference     string
	CreatedAt     time.Time
}

// Source identifies who triggered a release or refund.
type Source string

const (
	SourceRequest    Source = "request"
	SourceScheduler  Source = "scheduler"
	SourceResolution Source = "resolution"
)
