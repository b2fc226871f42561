package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gigescrow/apperr"
	"gigescrow/auth"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/metrics"
	"gigescrow/payment"
	"gigescrow/ratelimit"
	"gigescrow/settlement"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyRole   contextKey = "role"
)

const maxJSONBody = 1 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Caller, error)
}

type escrowService interface {
	Create(ctx context.Context, caller auth.Caller, p escrow.CreateParams) (escrow.Transaction, error)
	Fund(ctx context.Context, caller auth.Caller, id string) (escrow.Transaction, error)
	Get(ctx context.Context, caller auth.Caller, id string) (escrow.Transaction, error)
	List(ctx context.Context, caller auth.Caller, limit int) ([]escrow.Transaction, error)
	Entries(ctx context.Context, caller auth.Caller, id string) ([]escrow.Entry, error)
	Wallet(ctx context.Context, caller auth.Caller) (escrow.Wallet, error)
	CompleteMilestone(ctx context.Context, caller auth.Caller, id, milestoneID string) (escrow.Transaction, error)
}

type disputeService interface {
	StartReview(ctx context.Context, caller auth.Caller, id string) (dispute.Dispute, error)
	Close(ctx context.Context, caller auth.Caller, id string) (dispute.Dispute, error)
	AddMessage(ctx context.Context, caller auth.Caller, id, content string) (dispute.Message, error)
	AddEvidence(ctx context.Context, caller auth.Caller, id string, in dispute.EvidenceInput) (dispute.Evidence, error)
	Get(ctx context.Context, caller auth.Caller, id string) (dispute.Detail, error)
	List(ctx context.Context, caller auth.Caller, f dispute.ListFilter) ([]dispute.Dispute, error)
}

type settlementService interface {
	CreateDispute(ctx context.Context, caller auth.Caller, req settlement.CreateDisputeRequest) (dispute.Dispute, error)
	ResolveDispute(ctx context.Context, caller auth.Caller, req settlement.ResolveRequest) (dispute.Dispute, error)
	ReleaseEscrow(ctx context.Context, caller auth.Caller, req settlement.ReleaseRequest) (escrow.Transaction, error)
	RefundEscrow(ctx context.Context, caller auth.Caller, req settlement.RefundRequest) (escrow.Transaction, error)
}

type paymentService interface {
	HandleSettled(ctx context.Context, ev payment.SettledEvent) error
	HandleFailed(ctx context.Context, ev payment.FailedEvent) error
}

type releaseEvaluator interface {
	Evaluate(ctx context.Context, id string) (bool, error)
}

type evidenceUploader interface {
	Upload(ctx context.Context, disputeID, filename, contentType string, body io.Reader) (string, error)
}

// Server holds the HTTP dependencies. Evidence uploads answer 501 when no
// object store is configured.
type Server struct {
	authService    authService
	escrowService  escrowService
	disputeService disputeService
	settlement     settlementService
	payments       paymentService
	releases       releaseEvaluator
	uploads        evidenceUploader

	logger         *slog.Logger
	metrics        *metrics.Metrics
	limiter        *ratelimit.Limiter
	webhookSecret  string
	maxUploadBytes int64
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.verifyWebhook)
		r.Post("/api/payments/settled", s.handlePaymentSettled)
		r.Post("/api/payments/failed", s.handlePaymentFailed)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate, s.rateLimit)

		r.Get("/api/disputes", s.handleListDisputes)
		r.Post("/api/disputes", s.handleCreateDispute)
		r.Get("/api/disputes/{id}", s.handleGetDispute)
		r.Post("/api/disputes/{id}/review", s.handleReviewDispute)
		r.Post("/api/disputes/{id}/resolve", s.handleResolveDispute)
		r.Post("/api/disputes/{id}/close", s.handleCloseDispute)
		r.Post("/api/disputes/{id}/messages", s.handleAddMessage)
		r.Post("/api/disputes/{id}/evidence", s.handleAddEvidence)

		r.Get("/api/escrow", s.handleListEscrow)
		r.Post("/api/escrow", s.handleCreateEscrow)
		r.Get("/api/escrow/{id}", s.handleGetEscrow)
		r.Get("/api/escrow/{id}/entries", s.handleEscrowEntries)
		r.Post("/api/escrow/{id}/fund", s.handleFundEscrow)
		r.Post("/api/escrow/{id}/release", s.handleReleaseEscrow)
		r.Post("/api/escrow/{id}/refund", s.handleRefundEscrow)
		r.Post("/api/escrow/{id}/milestones/{milestoneId}/complete", s.handleCompleteMilestone)

		r.Get("/api/wallets/me", s.handleWallet)
	})
	return r
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe logs each request and records its latency under the route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		s.log().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// authenticate resolves the bearer token into a caller on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authService == nil {
			s.writeError(w, r, apperr.ErrUnauthenticated)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, apperr.ErrUnauthenticated)
			return
		}
		caller, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, caller.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, caller.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit throttles writes per caller.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !s.limiter.Allow(callerFrom(r).UserID, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: errorBody{
				Kind:      "rate_limited",
				Code:      "rate_limited",
				Message:   "too many requests",
				Retryable: true,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

const signatureHeader = "X-Signature"

// verifyWebhook checks the hex HMAC-SHA256 of the body when a secret is set.
func (s *Server) verifyWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.webhookSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "unreadable body")
			return
		}
		mac := hmac.New(sha256.New, []byte(s.webhookSecret))
		mac.Write(body)
		want := mac.Sum(nil)
		got, err := hex.DecodeString(r.Header.Get(signatureHeader))
		if err != nil || !hmac.Equal(got, want) {
			s.writeError(w, r, apperr.ErrUnauthenticated)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func callerFrom(r *http.Request) auth.Caller {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return auth.Caller{UserID: userID, Role: role}
}

type errorBody struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// writeError maps err onto its kind's status. Unexpected errors are logged
// and answered with an opaque message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnexpected {
		s.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorEnvelope{Error: errorBody{
		Kind:      string(kind),
		Code:      apperr.CodeOf(err),
		Message:   apperr.Message(err),
		Retryable: apperr.Retryable(err),
	}})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:    string(apperr.KindValidation),
		Code:    "bad_request",
		Message: msg,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func notImplemented(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotImplemented, errorEnvelope{Error: errorBody{
		Kind:    string(apperr.KindUnexpected),
		Code:    "not_configured",
		Message: "feature not configured",
	}})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
