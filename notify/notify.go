// Package notify delivers notification events relayed from the outbox.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic is the outbox topic carrying Event payloads.
const Topic = "notification"

const (
	TypeDisputeFiled    = "dispute_filed"
	TypeDisputeAssigned = "dispute_assigned"
	TypeDisputeResolved = "dispute_resolved"
	TypeEscrowReleased  = "escrow_released"
	TypeEscrowRefunded  = "escrow_refunded"
	TypePaymentFailed   = "payment_failed"
)

// Event is the notification contract shared with downstream delivery.
type Event struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Sender pushes one event to a delivery channel.
type Sender interface {
	Send(ctx context.Context, e Event) error
}

// Notifier fans an outbox message out to every sender.
type Notifier struct {
	senders []Sender
}

func NewNotifier(senders ...Sender) *Notifier {
	return &Notifier{senders: senders}
}

// Deliver decodes a notification payload and hands it to every sender.
// Payloads under other topics are ignored.
func (n *Notifier) Deliver(ctx context.Context, topic string, payload []byte) error {
	if topic != Topic {
		return nil
	}
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("notify: decode event: %w", err)
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSender writes events to a structured logger.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify")}
}

func (s *LogSender) Send(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "notification", "type", e.Type, "user_id", e.UserID, "title", e.Title)
	return nil
}

// WebhookSender posts each event as JSON to a fixed URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

const streamMaxLen int64 = 10000

// StreamSender appends events to a capped Redis stream.
type StreamSender struct {
	rdb    redis.Cmdable
	stream string
}

func NewStreamSender(rdb redis.Cmdable, stream string) *StreamSender {
	if stream == "" {
		stream = "gigescrow:notifications"
	}
	return &StreamSender{rdb: rdb, stream: stream}
}

func (s *StreamSender) Send(ctx context.Context, e Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    e.Type,
			"user_id": e.UserID,
			"title":   e.Title,
			"message": e.Message,
		},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: stream append %s: %w", s.stream, err)
	}
	return nil
}
