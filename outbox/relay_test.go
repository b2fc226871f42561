package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gigescrow/outbox"
	"gigescrow/test/memstore"
)

type recordingSink struct {
	fail      map[string]bool
	delivered []string
}

func (s *recordingSink) Deliver(ctx context.Context, topic string, payload []byte) error {
	if s.fail[string(payload)] {
		return errors.New("endpoint rejected message")
	}
	s.delivered = append(s.delivered, string(payload))
	return nil
}

func enqueue(t *testing.T, db *memstore.DB, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	for _, p := range payloads {
		if err := db.Outbox().Enqueue(ctx, tx, "notification", p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRelay_DrainDeliversInBatches(t *testing.T) {
	db := memstore.New()
	enqueue(t, db, "a", "b", "c", "d", "e")

	sink := &recordingSink{}
	relay := outbox.NewRelay(db, db.Outbox(), sink, outbox.RelayConfig{
		Batch:  2,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	n, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 5 || len(sink.delivered) != 5 {
		t.Fatalf("handled %d, delivered %d, want 5", n, len(sink.delivered))
	}
	for _, row := range db.Snapshot().Outbox {
		if row.Status != "processed" {
			t.Fatalf("message %s status = %s", row.ID, row.Status)
		}
	}

	if n, err := relay.Drain(context.Background()); err != nil || n != 0 {
		t.Fatalf("second drain = %d, %v", n, err)
	}
}

func TestRelay_FailedDeliveryIsDeadLettered(t *testing.T) {
	db := memstore.New()
	enqueue(t, db, "ok", "broken")

	sink := &recordingSink{fail: map[string]bool{`"broken"`: true}}
	relay := outbox.NewRelay(db, db.Outbox(), sink, outbox.RelayConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if _, err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	status := map[string]memstore.OutboxRow{}
	for _, row := range db.Snapshot().Outbox {
		status[string(row.Payload)] = row
	}
	if status[`"ok"`].Status != "processed" {
		t.Fatalf("ok message = %+v", status[`"ok"`])
	}
	dead := status[`"broken"`]
	if dead.Status != "dead" || dead.LastError == "" {
		t.Fatalf("broken message = %+v", dead)
	}

	if _, err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("dead message was retried")
	}
}
