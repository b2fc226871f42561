package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordingSender struct {
	events []Event
	err    error
}

func (s *recordingSender) Send(_ context.Context, e Event) error {
	s.events = append(s.events, e)
	return s.err
}

func TestNotifier_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingSender{}
	failing := &recordingSender{err: errors.New("boom")}
	n := NewNotifier(ok, failing)

	payload, _ := json.Marshal(Event{Type: TypeDisputeFiled, UserID: "u1", Title: "t", Message: "m"})
	err := n.Deliver(context.Background(), Topic, payload)
	if err == nil {
		t.Fatalf("expected joined error from failing sender")
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected every sender to be called once, got %d and %d", len(ok.events), len(failing.events))
	}
	if ok.events[0].UserID != "u1" || ok.events[0].Type != TypeDisputeFiled {
		t.Fatalf("unexpected event %+v", ok.events[0])
	}
}

func TestNotifier_IgnoresOtherTopics(t *testing.T) {
	s := &recordingSender{}
	if err := NewNotifier(s).Deliver(context.Background(), "something_else", []byte(`not json`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.events) != 0 {
		t.Fatalf("expected no delivery")
	}
}

func TestNotifier_RejectsMalformedPayload(t *testing.T) {
	if err := NewNotifier().Deliver(context.Background(), Topic, []byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWebhookSender(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second)
	if err := s.Send(context.Background(), Event{Type: TypeEscrowReleased, UserID: "payee"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Type != TypeEscrowReleased || got.UserID != "payee" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookSender(srv.URL, time.Second).Send(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 502")
	}
}
