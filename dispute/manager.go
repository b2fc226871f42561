package dispute

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/casenum"
)

var (
	ErrNotFound            = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute: not found")
	ErrForbidden           = apperr.New(apperr.KindForbidden, "dispute_forbidden", "dispute: forbidden")
	ErrInvalidTransition   = apperr.New(apperr.KindInvalidState, "dispute_invalid_state", "dispute: invalid status transition")
	ErrActiveDispute       = apperr.New(apperr.KindConflict, "active_dispute_exists", "dispute: an active dispute already exists for this transaction")
	ErrDuplicateCaseNumber = apperr.NewRetryable(apperr.KindConflict, "case_number_taken", "dispute: case number already allocated")
	ErrInvalidRequest      = apperr.New(apperr.KindValidation, "invalid_dispute_request", "dispute: invalid request")
	ErrInvalidOutcome      = apperr.New(apperr.KindValidation, "invalid_outcome", "dispute: invalid resolution outcome")
	ErrNoAgent             = apperr.New(apperr.KindUnexpected, "no_agent_available", "dispute: no agent configured for priority")
)

const (
	maxReasonLength  = 5000
	maxMessageLength = 5000
)

// Manager drives the case state machine. Every method runs inside the
// caller's transaction; callers own commit and rollback.
type Manager struct {
	store    Store
	cases    *casenum.Generator
	assigner Assigner
	now      func() time.Time
	newID    func() string
}

func NewManager(store Store, cases *casenum.Generator, assigner Assigner) *Manager {
	if store == nil {
		store = NewRepository()
	}
	if cases == nil {
		cases = casenum.NewGenerator(nil)
	}
	return &Manager{
		store:    store,
		cases:    cases,
		assigner: assigner,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.newID = gen
	return m
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) Assigner() Assigner {
	return m.assigner
}

// ValidateRequest checks the caller-supplied parts of a new case.
func ValidateRequest(t Type, reason string, evidence []EvidenceInput) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, t)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	if len(reason) > maxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidRequest, maxReasonLength)
	}
	for i, e := range evidence {
		if err := validateEvidence(e); err != nil {
			return fmt.Errorf("evidence %d: %w", i+1, err)
		}
	}
	return nil
}

func validateEvidence(e EvidenceInput) error {
	if strings.TrimSpace(e.Filename) == "" {
		return fmt.Errorf("%w: evidence filename is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: evidence type is required", ErrInvalidRequest)
	}
	u, err := url.Parse(strings.TrimSpace(e.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: evidence url %q", ErrInvalidRequest, e.URL)
	}
	return nil
}

type OpenParams struct {
	EscrowTransactionID string
	CreatedBy           string
	Respondent          string
	Amount              int64
	Currency            string
	Type                Type
	Reason              string
	Evidence            []EvidenceInput
}

// Open creates a case with its opening message and evidence. The case number
// is drawn from the per-year counter inside tx.
func (m *Manager) Open(ctx context.Context, tx pgx.Tx, p OpenParams) (Dispute, error) {
	if err := ValidateRequest(p.Type, p.Reason, p.Evidence); err != nil {
		return Dispute{}, err
	}
	if p.CreatedBy == "" || p.Respondent == "" || p.CreatedBy == p.Respondent {
		return Dispute{}, fmt.Errorf("%w: parties", ErrInvalidRequest)
	}
	if p.Amount <= 0 {
		return Dispute{}, fmt.Errorf("%w: amount", ErrInvalidRequest)
	}

	if _, active, err := m.store.ActiveForTransaction(ctx, tx, p.EscrowTransactionID); err != nil {
		return Dispute{}, err
	} else if active {
		return Dispute{}, ErrActiveDispute
	}

	now := m.now().UTC()
	priority := PriorityFor(p.Amount)
	caseNumber, seq, err := m.cases.Next(ctx, tx, now.Year())
	if err != nil {
		return Dispute{}, err
	}
	agent, err := m.assigner.Assign(priority, seq)
	if err != nil {
		return Dispute{}, err
	}

	d := Dispute{
		ID:                  m.newID(),
		CaseNumber:          caseNumber,
		Status:              StatusOpen,
		Type:                p.Type,
		Priority:            priority,
		Amount:              p.Amount,
		Currency:            p.Currency,
		CreatedBy:           p.CreatedBy,
		Respondent:          p.Respondent,
		EscrowTransactionID: p.EscrowTransactionID,
		Reason:              strings.TrimSpace(p.Reason),
		ExpectedResolution:  ExpectedResolution(priority, now),
		AssignedAgent:       agent,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	if err := m.store.InsertMessage(ctx, tx, Message{
		ID:        m.newID(),
		DisputeID: d.ID,
		SenderID:  d.CreatedBy,
		Content:   d.Reason,
		CreatedAt: now,
	}); err != nil {
		return Dispute{}, err
	}
	for _, e := range p.Evidence {
		if err := m.store.InsertEvidence(ctx, tx, Evidence{
			ID:         m.newID(),
			DisputeID:  d.ID,
			UploaderID: d.CreatedBy,
			Type:       strings.TrimSpace(e.Type),
			Filename:   strings.TrimSpace(e.Filename),
			URL:        strings.TrimSpace(e.URL),
			CreatedAt:  now,
		}); err != nil {
			return Dispute{}, err
		}
	}
	if err := m.store.AppendHistory(ctx, tx, HistoryEntry{
		DisputeID: d.ID,
		To:        StatusOpen,
		ActorID:   d.CreatedBy,
		CreatedAt: now,
	}); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// StartReview moves an OPEN case to UNDER_REVIEW.
func (m *Manager) StartReview(ctx context.Context, tx pgx.Tx, id, actorID string) (Dispute, error) {
	d, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusOpen {
		return d, fmt.Errorf("%w: review from %s", ErrInvalidTransition, d.Status)
	}
	return m.transition(ctx, tx, d, StatusUnderReview, actorID)
}

// Settler applies a resolution outcome to the disputed escrow inside tx.
type Settler interface {
	Settle(ctx context.Context, tx pgx.Tx, d Dispute, o Outcome) error
}

type ResolveParams struct {
	DisputeID   string
	ActorID     string
	Outcome     Outcome
	Description string
}

// ValidateOutcome checks an outcome against the disputed amount. A partial
// settlement must leave something for each side.
func ValidateOutcome(o Outcome, amount int64) error {
	switch o.Kind {
	case OutcomeFundsReleased, OutcomeRefunded:
		return nil
	case OutcomePartialSettlement:
		if o.PayeeAmount <= 0 || o.PayeeAmount >= amount {
			return fmt.Errorf("%w: payee share %d must be between 0 and %d exclusive", ErrInvalidOutcome, o.PayeeAmount, amount)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidOutcome, o.Kind)
	}
}

// Resolve moves an UNDER_REVIEW case to RESOLVED after settler has moved the
// funds in the same transaction.
func (m *Manager) Resolve(ctx context.Context, tx pgx.Tx, p ResolveParams, settler Settler) (Dispute, error) {
	d, err := m.store.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusUnderReview {
		return d, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, d.Status)
	}
	if err := ValidateOutcome(p.Outcome, d.Amount); err != nil {
		return d, err
	}
	if err := settler.Settle(ctx, tx, d, p.Outcome); err != nil {
		return d, err
	}

	res := &Resolution{
		Outcome:     p.Outcome.Kind,
		Description: strings.TrimSpace(p.Description),
		ResolvedBy:  p.ActorID,
		ResolvedAt:  m.now().UTC(),
	}
	if p.Outcome.Kind == OutcomePartialSettlement {
		share := p.Outcome.PayeeAmount
		res.PayeeAmount = &share
	}
	d.Resolution = res
	return m.transition(ctx, tx, d, StatusResolved, p.ActorID)
}

// Close archives a RESOLVED case.
func (m *Manager) Close(ctx context.Context, tx pgx.Tx, id, actorID string) (Dispute, error) {
	d, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusResolved {
		return d, fmt.Errorf("%w: close from %s", ErrInvalidTransition, d.Status)
	}
	now := m.now().UTC()
	d.ClosedAt = &now
	return m.transition(ctx, tx, d, StatusClosed, actorID)
}

// AddMessage appends a note to an active case.
func (m *Manager) AddMessage(ctx context.Context, tx pgx.Tx, id, senderID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	if len(content) > maxMessageLength {
		return Message{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, maxMessageLength)
	}

	d, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Message{}, err
	}
	if !d.Status.Active() {
		return Message{}, fmt.Errorf("%w: case is %s", ErrInvalidTransition, d.Status)
	}

	msg := Message{
		ID:        m.newID(),
		DisputeID: d.ID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertMessage(ctx, tx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// AddEvidence attaches a file reference to a case in any status.
func (m *Manager) AddEvidence(ctx context.Context, tx pgx.Tx, id, uploaderID string, in EvidenceInput) (Evidence, error) {
	if err := validateEvidence(in); err != nil {
		return Evidence{}, err
	}
	d, err := m.store.Get(ctx, tx, id)
	if err != nil {
		return Evidence{}, err
	}

	e := Evidence{
		ID:         m.newID(),
		DisputeID:  d.ID,
		UploaderID: uploaderID,
		Type:       strings.TrimSpace(in.Type),
		Filename:   strings.TrimSpace(in.Filename),
		URL:        strings.TrimSpace(in.URL),
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.InsertEvidence(ctx, tx, e); err != nil {
		return Evidence{}, err
	}
	return e, nil
}

func (m *Manager) transition(ctx context.Context, tx pgx.Tx, d Dispute, to Status, actorID string) (Dispute, error) {
	from := d.Status
	now := m.now().UTC()
	d.Status = to
	d.UpdatedAt = now
	if err := m.store.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if err := m.store.AppendHistory(ctx, tx, HistoryEntry{
		DisputeID: d.ID,
		From:      from,
		To:        to,
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return Dispute{}, err
	}
	return d, nil
}
