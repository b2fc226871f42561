// Package outbox stores notification events next to the state change that
// produced them and relays them to a sink after commit.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gigescrow/db"
	"gigescrow/metrics"
)

// Sink receives relayed messages.
type Sink interface {
	Deliver(ctx context.Context, topic string, payload []byte) error
}

type Relay struct {
	pool     db.TxBeginner
	store    Store
	sink     Sink
	batch    int
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type RelayConfig struct {
	Batch    int
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewRelay(pool db.TxBeginner, store Store, sink Sink, cfg RelayConfig) *Relay {
	if store == nil {
		store = NewPGStore()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		pool:     pool,
		store:    store,
		sink:     sink,
		batch:    cfg.Batch,
		interval: cfg.Interval,
		logger:   cfg.Logger.With("component", "outbox_relay"),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Drain relays pending messages until a claim comes back short. It returns
// the number of messages handled, delivered or not.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.relayBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batch {
			return total, nil
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if derr := r.sink.Deliver(ctx, m.Topic, m.Payload); derr != nil {
			r.logger.Warn("outbox delivery failed", "id", m.ID, "topic", m.Topic, "error", derr)
			r.metrics.OutboxHandled("dead")
			if err := r.store.MarkFailed(ctx, tx, m.ID, derr.Error()); err != nil {
				return 0, err
			}
			continue
		}
		r.metrics.OutboxHandled("delivered")
		if err := r.store.MarkProcessed(ctx, tx, m.ID, r.now().UTC()); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return len(msgs), nil
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.Drain(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("outbox drained", "messages", n)
			}
		}
	}
}
