package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/fees"
	"gigescrow/payment"
	"gigescrow/settlement"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	Tier      string `json:"tier"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Tier:      u.Tier,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

type paymentEventRequest struct {
	IdempotencyKey      string `json:"idempotencyKey"`
	UserID              string `json:"userId"`
	Amount              int64  `json:"amount"`
	Currency            string `json:"currency"`
	EscrowTransactionID string `json:"escrowTransactionId"`
	Reason              string `json:"reason"`
}

func (s *Server) handlePaymentSettled(w http.ResponseWriter, r *http.Request) {
	var req paymentEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.payments.HandleSettled(r.Context(), payment.SettledEvent{
		IdempotencyKey:      req.IdempotencyKey,
		UserID:              req.UserID,
		Amount:              req.Amount,
		Currency:            req.Currency,
		EscrowTransactionID: req.EscrowTransactionID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) handlePaymentFailed(w http.ResponseWriter, r *http.Request) {
	var req paymentEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.payments.HandleFailed(r.Context(), payment.FailedEvent{
		IdempotencyKey:      req.IdempotencyKey,
		UserID:              req.UserID,
		Amount:              req.Amount,
		Currency:            req.Currency,
		EscrowTransactionID: req.EscrowTransactionID,
		Reason:              req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

type resolutionResponse struct {
	Outcome     string `json:"outcome"`
	PayeeAmount *int64 `json:"payeeAmount,omitempty"`
	Description string `json:"description"`
	ResolvedBy  string `json:"resolvedBy"`
	ResolvedAt  string `json:"resolvedAt"`
}

type disputeResponse struct {
	ID                  string              `json:"id"`
	CaseNumber          string              `json:"caseNumber"`
	Status              string              `json:"status"`
	Type                string              `json:"type"`
	Priority            string              `json:"priority"`
	Amount              int64               `json:"amount"`
	Currency            string              `json:"currency"`
	CreatedBy           string              `json:"createdBy"`
	Respondent          string              `json:"respondent"`
	EscrowTransactionID string              `json:"escrowTransactionId"`
	Reason              string              `json:"reason"`
	ExpectedResolution  string              `json:"expectedResolution"`
	AssignedAgent       string              `json:"assignedAgent"`
	Resolution          *resolutionResponse `json:"resolution,omitempty"`
	CreatedAt           string              `json:"createdAt"`
	UpdatedAt           string              `json:"updatedAt"`
	ClosedAt            *string             `json:"closedAt,omitempty"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                  d.ID,
		CaseNumber:          d.CaseNumber,
		Status:              string(d.Status),
		Type:                string(d.Type),
		Priority:            string(d.Priority),
		Amount:              d.Amount,
		Currency:            d.Currency,
		CreatedBy:           d.CreatedBy,
		Respondent:          d.Respondent,
		EscrowTransactionID: d.EscrowTransactionID,
		Reason:              d.Reason,
		ExpectedResolution:  formatDate(d.ExpectedResolution),
		AssignedAgent:       d.AssignedAgent,
		CreatedAt:           formatTime(d.CreatedAt),
		UpdatedAt:           formatTime(d.UpdatedAt),
		ClosedAt:            formatTimePtr(d.ClosedAt),
	}
	if res := d.Resolution; res != nil {
		resp.Resolution = &resolutionResponse{
			Outcome:     string(res.Outcome),
			PayeeAmount: res.PayeeAmount,
			Description: res.Description,
			ResolvedBy:  res.ResolvedBy,
			ResolvedAt:  formatTime(res.ResolvedAt),
		}
	}
	return resp
}

type messageResponse struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type evidenceResponse struct {
	ID         string `json:"id"`
	UploaderID string `json:"uploaderId"`
	Type       string `json:"type"`
	Filename   string `json:"filename"`
	URL        string `json:"url"`
	CreatedAt  string `json:"createdAt"`
}

type historyResponse struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ActorID   string `json:"actorId"`
	CreatedAt string `json:"createdAt"`
}

func toMessageResponse(m dispute.Message) messageResponse {
	return messageResponse{ID: m.ID, SenderID: m.SenderID, Content: m.Content, CreatedAt: formatTime(m.CreatedAt)}
}

func toEvidenceResponse(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		ID:         e.ID,
		UploaderID: e.UploaderID,
		Type:       e.Type,
		Filename:   e.Filename,
		URL:        e.URL,
		CreatedAt:  formatTime(e.CreatedAt),
	}
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	q := r.URL.Query()
	records, err := s.disputeService.List(r.Context(), callerFrom(r), dispute.ListFilter{
		EscrowTransactionID: q.Get("escrowTransactionId"),
		Status:              dispute.Status(strings.ToUpper(q.Get("status"))),
		Limit:               limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, d := range records {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type evidenceRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type createDisputeRequest struct {
	UserID              string            `json:"userId"`
	Type                string            `json:"type"`
	EscrowTransactionID string            `json:"escrowTransactionId"`
	Reason              string            `json:"reason"`
	Evidence            []evidenceRequest `json:"evidence"`
}

type createdDispute struct {
	ID                 string `json:"id"`
	CaseNumber         string `json:"caseNumber"`
	Status             string `json:"status"`
	Type               string `json:"type"`
	Priority           string `json:"priority"`
	ExpectedResolution string `json:"expectedResolution"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := callerFrom(r)
	if req.UserID != "" && req.UserID != caller.UserID {
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "caller_mismatch", "dispute: userId does not match caller"))
		return
	}

	evidence := make([]dispute.EvidenceInput, 0, len(req.Evidence))
	for _, e := range req.Evidence {
		evidence = append(evidence, dispute.EvidenceInput{Type: e.Type, Filename: e.Filename, URL: e.URL})
	}
	d, err := s.settlement.CreateDispute(r.Context(), caller, settlement.CreateDisputeRequest{
		EscrowTransactionID: req.EscrowTransactionID,
		Type:                dispute.Type(strings.ToUpper(req.Type)),
		Reason:              req.Reason,
		Evidence:            evidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"dispute": createdDispute{
			ID:                 d.ID,
			CaseNumber:         d.CaseNumber,
			Status:             string(d.Status),
			Type:               string(d.Type),
			Priority:           string(d.Priority),
			ExpectedResolution: formatDate(d.ExpectedResolution),
		},
	})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	detail, err := s.disputeService.Get(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	messages := make([]messageResponse, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		messages = append(messages, toMessageResponse(m))
	}
	evidence := make([]evidenceResponse, 0, len(detail.Evidence))
	for _, e := range detail.Evidence {
		evidence = append(evidence, toEvidenceResponse(e))
	}
	history := make([]historyResponse, 0, len(detail.History))
	for _, h := range detail.History {
		history = append(history, historyResponse{
			From:      string(h.From),
			To:        string(h.To),
			ActorID:   h.ActorID,
			CreatedAt: formatTime(h.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dispute":  toDisputeResponse(detail.Dispute),
		"messages": messages,
		"evidence": evidence,
		"history":  history,
	})
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.StartReview(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type resolveDisputeRequest struct {
	Outcome     string `json:"outcome"`
	PayeeAmount int64  `json:"payeeAmount"`
	Description string `json:"description"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.settlement.ResolveDispute(r.Context(), callerFrom(r), settlement.ResolveRequest{
		DisputeID: chi.URLParam(r, "id"),
		Outcome: dispute.Outcome{
			Kind:        dispute.OutcomeKind(strings.ToUpper(req.Outcome)),
			PayeeAmount: req.PayeeAmount,
		},
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleCloseDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Close(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.disputeService.AddMessage(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(m))
}

// handleAddEvidence accepts either a JSON reference to an already hosted
// file or a multipart upload in the "file" field.
func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in dispute.EvidenceInput

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if s.uploads == nil {
			notImplemented(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "missing or oversized file")
			return
		}
		defer file.Close()

		// Authorize before storing anything.
		if _, err := s.disputeService.Get(r.Context(), callerFrom(r), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		url, err := s.uploads.Upload(r.Context(), id, header.Filename, header.Header.Get("Content-Type"), file)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		in = dispute.EvidenceInput{Type: r.FormValue("type"), Filename: header.Filename, URL: url}
	} else {
		var req evidenceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		in = dispute.EvidenceInput{Type: req.Type, Filename: req.Filename, URL: req.URL}
	}

	e, err := s.disputeService.AddEvidence(r.Context(), callerFrom(r), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEvidenceResponse(e))
}

type milestoneResponse struct {
	ID          string  `json:"id"`
	Position    int     `json:"position"`
	Title       string  `json:"title"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

type escrowResponse struct {
	ID                  string              `json:"id"`
	PayerID             string              `json:"payerId"`
	PayeeID             string              `json:"payeeId"`
	Amount              int64               `json:"amount"`
	Currency            string              `json:"currency"`
	Status              string              `json:"status"`
	PayerTier           string              `json:"payerTier"`
	PaymentMethod       string              `json:"paymentMethod"`
	PlatformFee         int64               `json:"platformFee"`
	ProcessingFee       int64               `json:"processingFee"`
	AutoReleaseAt       *string             `json:"autoReleaseAt,omitempty"`
	ReleaseOnCompletion bool                `json:"releaseOnCompletion"`
	ReleasedAmount      int64               `json:"releasedAmount"`
	RefundedAmount      int64               `json:"refundedAmount"`
	Milestones          []milestoneResponse `json:"milestones"`
	CreatedAt           string              `json:"createdAt"`
	UpdatedAt           string              `json:"updatedAt"`
	SettledAt           *string             `json:"settledAt,omitempty"`
}

func toEscrowResponse(t escrow.Transaction) escrowResponse {
	milestones := make([]milestoneResponse, 0, len(t.Milestones))
	for _, m := range t.Milestones {
		milestones = append(milestones, milestoneResponse{
			ID:          m.ID,
			Position:    m.Position,
			Title:       m.Title,
			CompletedAt: formatTimePtr(m.CompletedAt),
		})
	}
	return escrowResponse{
		ID:                  t.ID,
		PayerID:             t.PayerID,
		PayeeID:             t.PayeeID,
		Amount:              t.Amount,
		Currency:            t.Currency,
		Status:              string(t.Status),
		PayerTier:           string(t.PayerTier),
		PaymentMethod:       string(t.PaymentMethod),
		PlatformFee:         t.PlatformFee,
		ProcessingFee:       t.ProcessingFee,
		AutoReleaseAt:       formatTimePtr(t.AutoReleaseAt),
		ReleaseOnCompletion: t.ReleaseOnCompletion,
		ReleasedAmount:      t.ReleasedAmount,
		RefundedAmount:      t.RefundedAmount,
		Milestones:          milestones,
		CreatedAt:           formatTime(t.CreatedAt),
		UpdatedAt:           formatTime(t.UpdatedAt),
		SettledAt:           formatTimePtr(t.SettledAt),
	}
}

func (s *Server) handleListEscrow(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	records, err := s.escrowService.List(r.Context(), callerFrom(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]escrowResponse, 0, len(records))
	for _, t := range records {
		items = append(items, toEscrowResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type createEscrowRequest struct {
	PayeeID             string     `json:"payeeId"`
	Amount              int64      `json:"amount"`
	Currency            string     `json:"currency"`
	Tier                string     `json:"tier"`
	PaymentMethod       string     `json:"paymentMethod"`
	AutoReleaseAt       *time.Time `json:"autoReleaseAt"`
	ReleaseOnCompletion bool       `json:"releaseOnCompletion"`
	Milestones          []string   `json:"milestones"`
	Fund                bool       `json:"fund"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := callerFrom(r)
	t, err := s.escrowService.Create(r.Context(), caller, escrow.CreateParams{
		OpenParams: escrow.OpenParams{
			PayerID:             caller.UserID,
			PayeeID:             req.PayeeID,
			Amount:              req.Amount,
			Currency:            strings.ToUpper(req.Currency),
			Tier:                fees.Tier(strings.ToLower(req.Tier)),
			Method:              fees.Method(strings.ToLower(req.PaymentMethod)),
			AutoReleaseAt:       req.AutoReleaseAt,
			ReleaseOnCompletion: req.ReleaseOnCompletion,
			Milestones:          req.Milestones,
		},
		Fund: req.Fund,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(t))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := s.escrowService.Get(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type entryResponse struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleEscrowEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.escrowService.Entries(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryResponse{
			ID:        e.ID,
			UserID:    e.UserID,
			Kind:      string(e.Kind),
			Amount:    e.Amount,
			Reference: e.Reference,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := s.escrowService.Fund(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override bool `json:"override"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.settlement.ReleaseEscrow(r.Context(), callerFrom(r), settlement.ReleaseRequest{
		TransactionID: chi.URLParam(r, "id"),
		Override:      req.Override,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := s.settlement.RefundEscrow(r.Context(), callerFrom(r), settlement.RefundRequest{
		TransactionID: chi.URLParam(r, "id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id := chi.URLParam(r, "id")
	t, err := s.escrowService.CompleteMilestone(r.Context(), caller, id, chi.URLParam(r, "milestoneId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.releases != nil {
		released, err := s.releases.Evaluate(r.Context(), id)
		switch {
		case err != nil:
			s.log().Warn("release after milestone failed", "transaction_id", id, "error", err)
		case released:
			if fresh, err := s.escrowService.Get(r.Context(), caller, id); err == nil {
				t = fresh
			}
		}
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type walletResponse struct {
	UserID       string `json:"userId"`
	Balance      int64  `json:"balance"`
	FrozenAmount int64  `json:"frozenAmount"`
	UpdatedAt    string `json:"updatedAt"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.escrowService.Wallet(r.Context(), callerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		UserID:       wallet.UserID,
		Balance:      wallet.Balance,
		FrozenAmount: wallet.FrozenAmount,
		UpdatedAt:    formatTime(wallet.UpdatedAt),
	})
}
