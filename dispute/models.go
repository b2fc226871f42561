package dispute

import "time"

// Status represents the lifecycle of a dispute case.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusClosed      Status = "CLOSED"
)

// Active reports whether the case still blocks release of its escrow.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Type classifies what the dispute is about.
type Type string

const (
	TypePayment       Type = "PAYMENT"
	TypeQuality       Type = "QUALITY"
	TypeDelivery      Type = "DELIVERY"
	TypeScope         Type = "SCOPE"
	TypeCommunication Type = "COMMUNICATION"
	TypeOther         Type = "OTHER"
)

func (t Type) Valid() bool {
	switch t {
	case TypePayment, TypeQuality, TypeDelivery, TypeScope, TypeCommunication, TypeOther:
		return true
	default:
		return false
	}
}

// Priority is derived from the disputed amount when the case opens.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// OutcomeKind is the adjudicated result of a case.
type OutcomeKind string

const (
	OutcomeFundsReleased     OutcomeKind = "FUNDS_RELEASED"
	OutcomeRefunded          OutcomeKind = "REFUNDED"
	OutcomePartialSettlement OutcomeKind = "PARTIAL_SETTLEMENT"
)

// Outcome is a resolution decision. PayeeAmount is the payee's gross share
// and is only meaningful for PARTIAL_SETTLEMENT.
type Outcome struct {
	Kind        OutcomeKind
	PayeeAmount int64
}

// Resolution is the metadata recorded when a case is resolved.
type Resolution struct {
	Outcome     OutcomeKind
	PayeeAmount *int64
	Description string
	ResolvedBy  string
	ResolvedAt  time.Time
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                  string
	CaseNumber          string
	Status              Status
	Type                Type
	Priority            Priority
	Amount              int64
	Currency            string
	CreatedBy           string
	Respondent          string
	EscrowTransactionID string
	Reason              string
	ExpectedResolution  time.Time
	AssignedAgent       string
	Resolution          *Resolution
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ClosedAt            *time.Time
}

// IsParty reports whether userID opened the case or is answering it.
func (d Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.CreatedBy || userID == d.Respondent)
}

// Message is one immutable note in a case's communication trail.
type Message struct {
	ID        string
	DisputeID string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// Evidence is an immutable file reference attached to a case.
type Evidence struct {
	ID         string
	DisputeID  string
	UploaderID string
	Type       string
	Filename   string
	URL        string
	CreatedAt  time.Time
}

// EvidenceInput is the caller-supplied part of Evidence.
type EvidenceInput struct {
	Type     string
	Filename string
	URL      string
}

// HistoryEntry records one status change.
type HistoryEntry struct {
	ID        int64
	DisputeID string
	From      Status
	To        Status
	ActorID   string
	CreatedAt time.Time
}

// Detail bundles a case with its children.
type Detail struct {
	Dispute  Dispute
	Messages []Message
	Evidence []Evidence
	History  []HistoryEntry
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	UserID              string
	AssignedAgent       string
	EscrowTransactionID string
	Status              Status
	Limit               int
}
