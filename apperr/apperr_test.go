package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

var errSample = New(KindForbidden, "sample_forbidden", "sample: forbidden")

func TestKindOfThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", errSample))

	if got := KindOf(wrapped); got != KindForbidden {
		t.Fatalf("expected %s, got %s", KindForbidden, got)
	}
	if !errors.Is(wrapped, errSample) {
		t.Fatal("expected errors.Is to match the sentinel")
	}
	if got := CodeOf(wrapped); got != "sample_forbidden" {
		t.Fatalf("unexpected code %q", got)
	}
	if KindOf(nil) != "" {
		t.Fatal("nil error should have no kind")
	}
	if got := KindOf(errors.New("boom")); got != KindUnexpected {
		t.Fatalf("unclassified error should be unexpected, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"forbidden", errSample, false},
		{"invalid state", New(KindInvalidState, "x", "x"), false},
		{"serialization", ErrSerialization, true},
		{"unexpected", errors.New("connection reset"), true},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestTranslateSerializationFailure(t *testing.T) {
	err := fmt.Errorf("escrow: update: %w", &pgconn.PgError{Code: "40P01"})

	got := Translate(err)
	if KindOf(got) != KindConflict || !Retryable(got) {
		t.Fatalf("expected retryable conflict, got kind=%s retryable=%v", KindOf(got), Retryable(got))
	}
	if !errors.Is(got, ErrSerialization) {
		t.Fatal("expected ErrSerialization in chain")
	}

	plain := errors.New("plain")
	if Translate(plain) != plain {
		t.Fatal("unrelated errors should pass through")
	}
}

func TestHTTPStatusAndMessage(t *testing.T) {
	if HTTPStatus(KindNotFound) != http.StatusNotFound ||
		HTTPStatus(KindConflict) != http.StatusConflict ||
		HTTPStatus(KindUnauthenticated) != http.StatusUnauthorized ||
		HTTPStatus(KindUnexpected) != http.StatusInternalServerError {
		t.Fatal("unexpected status mapping")
	}
	if Message(errors.New("pq: relation does not exist")) != "internal error" {
		t.Fatal("unexpected errors must not leak their text")
	}
	if Message(errSample) != "sample: forbidden" {
		t.Fatal("classified errors keep their message")
	}
}
