package escrow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/fees"
)

var (
	ErrNotFound             = apperr.New(apperr.KindNotFound, "escrow_not_found", "escrow: transaction not found")
	ErrMilestoneNotFound    = apperr.New(apperr.KindNotFound, "milestone_not_found", "escrow: milestone not found")
	ErrForbidden            = apperr.New(apperr.KindForbidden, "escrow_forbidden", "escrow: caller is not a party to this transaction")
	ErrInvalidTransition    = apperr.New(apperr.KindInvalidState, "invalid_state_transition", "escrow: invalid state transition")
	ErrMilestonesIncomplete = apperr.New(apperr.KindInvalidState, "milestones_incomplete", "escrow: milestones are not complete")
	ErrDisputeBlocksRelease = apperr.New(apperr.KindConflict, "dispute_blocks_release", "escrow: an open dispute blocks this operation")
	ErrInsufficientFunds    = apperr.New(apperr.KindConflict, "insufficient_funds", "escrow: insufficient available balance")
	ErrDuplicateTransaction = apperr.New(apperr.KindConflict, "duplicate_transaction", "escrow: transaction already exists")
	ErrInvalidAmount        = apperr.New(apperr.KindValidation, "invalid_amount", "escrow: invalid amount")
	ErrInvalidParams        = apperr.New(apperr.KindValidation, "invalid_escrow_params", "escrow: invalid parameters")
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Ledger owns every money movement on escrow transactions and wallets. All
// operations run inside the caller's transaction and lock the escrow row
// before touching balances, so status and frozen amounts change together.
type Ledger struct {
	store    Store
	schedule fees.Schedule
	now      func() time.Time
	newID    func() string
}

func NewLedger(store Store, schedule fees.Schedule) *Ledger {
	if store == nil {
		store = NewRepository()
	}
	return &Ledger{
		store:    store,
		schedule: schedule,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.newID = gen
	return l
}

// Store exposes the underlying record store for read paths.
func (l *Ledger) Store() Store {
	return l.store
}

type OpenParams struct {
	PayerID             string
	PayeeID             string
	Amount              int64
	Currency            string
	Tier                fees.Tier
	Method              fees.Method
	AutoReleaseAt       *time.Time
	ReleaseOnCompletion bool
	Milestones          []string
}

// Open records a PENDING transaction with its fee quote.
func (l *Ledger) Open(ctx context.Context, tx pgx.Tx, p OpenParams) (Transaction, error) {
	if p.PayerID == "" || p.PayeeID == "" {
		return Transaction{}, fmt.Errorf("%w: payer and payee are required", ErrInvalidParams)
	}
	if p.PayerID == p.PayeeID {
		return Transaction{}, fmt.Errorf("%w: payer and payee must differ", ErrInvalidParams)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if !currencyPattern.MatchString(currency) {
		return Transaction{}, fmt.Errorf("%w: currency %q", ErrInvalidParams, p.Currency)
	}
	quote, err := l.schedule.Compute(p.Amount, p.Tier, p.Method)
	if err != nil {
		return Transaction{}, err
	}

	now := l.now().UTC()
	t := Transaction{
		ID:                  l.newID(),
		PayerID:             p.PayerID,
		PayeeID:             p.PayeeID,
		Amount:              p.Amount,
		Currency:            currency,
		Status:              StatusPending,
		PayerTier:           p.Tier,
		PaymentMethod:       p.Method,
		PlatformFee:         quote.PlatformFee,
		ProcessingFee:       quote.ProcessingFee,
		AutoReleaseAt:       p.AutoReleaseAt,
		ReleaseOnCompletion: p.ReleaseOnCompletion,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for i, title := range p.Milestones {
		title = strings.TrimSpace(title)
		if title == "" {
			return Transaction{}, fmt.Errorf("%w: milestone %d has no title", ErrInvalidParams, i+1)
		}
		t.Milestones = append(t.Milestones, Milestone{
			ID:            l.newID(),
			TransactionID: t.ID,
			Position:      i + 1,
			Title:         title,
		})
	}

	if err := l.store.Insert(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// Lock moves PENDING funds out of the payer's available balance into frozen.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusPending {
		return t, fmt.Errorf("%w: lock from %s", ErrInvalidTransition, t.Status)
	}

	w, err := l.store.WalletForUpdate(ctx, tx, t.PayerID)
	if err != nil {
		return Transaction{}, err
	}
	if w.Balance < t.Amount {
		return t, ErrInsufficientFunds
	}
	if _, err := l.store.AdjustWallet(ctx, tx, t.PayerID, -t.Amount, t.Amount); err != nil {
		return Transaction{}, err
	}

	now := l.now().UTC()
	if err := l.store.AppendEntry(ctx, tx, Entry{
		TransactionID: t.ID,
		UserID:        t.PayerID,
		Kind:          EntryHold,
		Amount:        t.Amount,
		CreatedAt:     now,
	}); err != nil {
		return Transaction{}, err
	}

	t.Status = StatusEscrowed
	t.UpdatedAt = now
	if err := l.store.Update(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

type ReleaseParams struct {
	TransactionID string
	Source        Source
	// Override lets the payer release before every milestone is complete.
	Override bool
	// Amount is the payee's gross share; nil releases everything. Any
	// remainder goes back to the payer.
	Amount *int64
}

// Release settles a held transaction in the payee's favour. Releasing an
// already COMPLETED transaction returns it unchanged.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, p ReleaseParams) (Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, p.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status == StatusCompleted {
		return t, nil
	}
	if !t.Status.Held() {
		return t, fmt.Errorf("%w: release from %s", ErrInvalidTransition, t.Status)
	}

	if p.Source != SourceResolution {
		if err := l.checkNotDisputed(ctx, tx, t); err != nil {
			return t, err
		}
		override := p.Override && p.Source == SourceRequest
		if !t.MilestonesComplete() && !override {
			return t, fmt.Errorf("%w: %d of %d done", ErrMilestonesIncomplete, t.CompletedMilestones(), len(t.Milestones))
		}
	}

	share := t.Amount
	if p.Amount != nil {
		share = *p.Amount
		if share <= 0 || share > t.Amount {
			return t, fmt.Errorf("%w: release share %d of %d", ErrInvalidAmount, share, t.Amount)
		}
	}
	return l.settle(ctx, tx, t, share, StatusCompleted, p.Source)
}

type RefundParams struct {
	TransactionID string
	Source        Source
	// Amount is the payer's share; nil refunds everything. Any remainder
	// goes to the payee net of fees.
	Amount *int64
}

// Refund settles a held transaction in the payer's favour. Refunding an
// already REFUNDED transaction returns it unchanged.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, p RefundParams) (Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, p.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status == StatusRefunded {
		return t, nil
	}
	if !t.Status.Held() {
		return t, fmt.Errorf("%w: refund from %s", ErrInvalidTransition, t.Status)
	}
	if p.Source != SourceResolution {
		if err := l.checkNotDisputed(ctx, tx, t); err != nil {
			return t, err
		}
	}

	refund := t.Amount
	if p.Amount != nil {
		refund = *p.Amount
		if refund <= 0 || refund > t.Amount {
			return t, fmt.Errorf("%w: refund share %d of %d", ErrInvalidAmount, refund, t.Amount)
		}
	}
	return l.settle(ctx, tx, t, t.Amount-refund, StatusRefunded, p.Source)
}

// MarkDisputed flags an ESCROWED transaction as DISPUTED. Funds stay frozen.
func (l *Ledger) MarkDisputed(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	switch t.Status {
	case StatusDisputed:
		return t, nil
	case StatusEscrowed:
	default:
		return t, fmt.Errorf("%w: dispute from %s", ErrInvalidTransition, t.Status)
	}

	now := l.now().UTC()
	if err := l.store.AppendEntry(ctx, tx, Entry{
		TransactionID: t.ID,
		UserID:        t.PayerID,
		Kind:          EntryDisputeOpened,
		Amount:        t.Amount,
		CreatedAt:     now,
	}); err != nil {
		return Transaction{}, err
	}

	t.Status = StatusDisputed
	t.UpdatedAt = now
	if err := l.store.Update(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// AutoReleaseIfEligible releases an ESCROWED transaction whose milestones are
// all complete once its auto-release date has passed, or immediately when it
// releases on completion. Ineligible transactions are left untouched.
func (l *Ledger) AutoReleaseIfEligible(ctx context.Context, tx pgx.Tx, id string, now time.Time) (bool, Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, Transaction{}, err
	}
	if t.Status != StatusEscrowed || !t.MilestonesComplete() {
		return false, t, nil
	}
	if !t.ReleaseOnCompletion && (t.AutoReleaseAt == nil || now.Before(*t.AutoReleaseAt)) {
		return false, t, nil
	}
	active, err := l.store.HasActiveDispute(ctx, tx, t.ID)
	if err != nil {
		return false, t, err
	}
	if active {
		return false, t, nil
	}

	released, err := l.settle(ctx, tx, t, t.Amount, StatusCompleted, SourceScheduler)
	if err != nil {
		return false, t, err
	}
	return true, released, nil
}

// CompleteMilestone marks one milestone done. Completing it twice is a no-op.
func (l *Ledger) CompleteMilestone(ctx context.Context, tx pgx.Tx, id, milestoneID string) (Transaction, error) {
	t, err := l.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusPending && t.Status != StatusEscrowed {
		return t, fmt.Errorf("%w: complete milestone while %s", ErrInvalidTransition, t.Status)
	}

	changed, err := l.store.CompleteMilestone(ctx, tx, t.ID, milestoneID, l.now().UTC())
	if err != nil {
		return Transaction{}, err
	}
	if !changed {
		return t, nil
	}
	return l.store.Get(ctx, tx, t.ID)
}

// Deposit credits settled funds to a user's available balance.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, userID string, amount int64, reference string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, fmt.Errorf("%w: user is required", ErrInvalidParams)
	}
	if amount <= 0 {
		return Wallet{}, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	w, err := l.store.AdjustWallet(ctx, tx, userID, amount, 0)
	if err != nil {
		return Wallet{}, err
	}
	if err := l.store.AppendEntry(ctx, tx, Entry{
		UserID:    userID,
		Kind:      EntryDeposit,
		Amount:    amount,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	}); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (l *Ledger) checkNotDisputed(ctx context.Context, tx pgx.Tx, t Transaction) error {
	if t.Status == StatusDisputed {
		return ErrDisputeBlocksRelease
	}
	active, err := l.store.HasActiveDispute(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if active {
		return ErrDisputeBlocksRelease
	}
	return nil
}

type movement struct {
	userID  string
	balance int64
	frozen  int64
}

// settle unfreezes the full amount, pays payeeShare to the payee net of fees
// and returns the rest to the payer. Fees on a full release are the ones
// quoted at Open; a partial share is quoted again with the same schedule.
func (l *Ledger) settle(ctx context.Context, tx pgx.Tx, t Transaction, payeeShare int64, status Status, source Source) (Transaction, error) {
	var quote fees.Quote
	switch {
	case payeeShare == t.Amount:
		quote = fees.Quote{
			Amount:        t.Amount,
			PlatformFee:   t.PlatformFee,
			ProcessingFee: t.ProcessingFee,
			NetAmount:     t.Amount - t.PlatformFee - t.ProcessingFee,
		}
	case payeeShare > 0:
		q, err := l.schedule.Compute(payeeShare, t.PayerTier, t.PaymentMethod)
		if err != nil {
			return t, err
		}
		quote = q
	}
	refund := t.Amount - payeeShare

	moves := []movement{
		{userID: t.PayerID, balance: refund, frozen: -t.Amount},
		{userID: t.PayeeID, balance: quote.NetAmount},
	}
	if err := l.apply(ctx, tx, moves); err != nil {
		return t, err
	}

	now := l.now().UTC()
	ref := string(source)
	entries := make([]Entry, 0, 4)
	if quote.NetAmount > 0 {
		entries = append(entries, Entry{TransactionID: t.ID, UserID: t.PayeeID, Kind: EntryRelease, Amount: quote.NetAmount, Reference: ref})
	}
	if quote.PlatformFee > 0 {
		entries = append(entries, Entry{TransactionID: t.ID, UserID: t.PayeeID, Kind: EntryFee, Amount: quote.PlatformFee, Reference: "platform"})
	}
	if quote.ProcessingFee > 0 {
		entries = append(entries, Entry{TransactionID: t.ID, UserID: t.PayeeID, Kind: EntryFee, Amount: quote.ProcessingFee, Reference: "processing"})
	}
	if refund > 0 {
		entries = append(entries, Entry{TransactionID: t.ID, UserID: t.PayerID, Kind: EntryRefund, Amount: refund, Reference: ref})
	}
	for _, e := range entries {
		e.CreatedAt = now
		if err := l.store.AppendEntry(ctx, tx, e); err != nil {
			return t, err
		}
	}

	t.Status = status
	t.PlatformFee = quote.PlatformFee
	t.ProcessingFee = quote.ProcessingFee
	t.ReleasedAmount = payeeShare
	t.RefundedAmount = refund
	t.SettledAt = &now
	t.UpdatedAt = now
	if err := l.store.Update(ctx, tx, t); err != nil {
		return t, err
	}
	return t, nil
}

// apply adjusts wallets in ascending user id order, the lock order for wallet rows.
func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, moves []movement) error {
	sort.Slice(moves, func(i, j int) bool { return moves[i].userID < moves[j].userID })
	for _, m := range moves {
		if m.balance == 0 && m.frozen == 0 {
			continue
		}
		if _, err := l.store.AdjustWallet(ctx, tx, m.userID, m.balance, m.frozen); err != nil {
			return err
		}
	}
	return nil
}
