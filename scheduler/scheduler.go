// Package scheduler releases escrowed funds whose milestones are done once
// their release date arrives.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
	"gigescrow/db"
	"gigescrow/escrow"
	"gigescrow/metrics"
	"gigescrow/redisx"
)

const sweepLockKey = "gigescrow:release-sweep"

// Locker serialises sweeps across API replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// ReleaseHook runs inside the release transaction after funds move.
type ReleaseHook func(ctx context.Context, tx pgx.Tx, t escrow.Transaction) error

type Config struct {
	Interval time.Duration
	Batch    int
	LockTTL  time.Duration
	Locker   Locker
	Hook     ReleaseHook
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Scheduler struct {
	pool     db.TxBeginner
	ledger   *escrow.Ledger
	locker   Locker
	hook     ReleaseHook
	interval time.Duration
	batch    int
	lockTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(pool db.TxBeginner, ledger *escrow.Ledger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		pool:     pool,
		ledger:   ledger,
		locker:   cfg.Locker,
		hook:     cfg.Hook,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		lockTTL:  cfg.LockTTL,
		now:      time.Now,
		logger:   cfg.Logger.With("component", "scheduler"),
		metrics:  cfg.Metrics,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Sweep evaluates up to one batch of due transactions, each in its own
// transaction. A failure on one transaction is logged and the sweep moves on.
// When another replica holds the sweep lock the sweep is skipped.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, sweepLockKey, s.lockTTL)
		if errors.Is(err, redisx.ErrLockHeld) {
			s.logger.Debug("sweep skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	start := time.Now()
	ids, err := s.due(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		ok, err := s.evaluate(ctx, id, now)
		if err != nil {
			if ctx.Err() != nil {
				return released, ctx.Err()
			}
			s.logger.Error("auto-release failed", "transaction_id", id, "error", err, "retryable", apperr.Retryable(err))
			continue
		}
		if ok {
			released++
		}
	}
	s.metrics.ObserveSweep(time.Since(start), released)
	if released > 0 {
		s.logger.Info("auto-release sweep", "candidates", len(ids), "released", released)
	}
	return released, nil
}

// Evaluate checks one transaction right away, typically after its last
// milestone was completed.
func (s *Scheduler) Evaluate(ctx context.Context, id string) (bool, error) {
	return s.evaluate(ctx, id, s.now().UTC())
}

func (s *Scheduler) due(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := s.ledger.Store().ListDue(ctx, tx, now, s.batch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduler: commit tx: %w", err)
	}
	return ids, nil
}

func (s *Scheduler) evaluate(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduler: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	released, t, err := s.ledger.AutoReleaseIfEligible(ctx, tx, id, now)
	if err != nil {
		return false, apperr.Translate(err)
	}
	if !released {
		return false, nil
	}
	if s.hook != nil {
		if err := s.hook(ctx, tx, t); err != nil {
			return false, apperr.Translate(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, apperr.Translate(fmt.Errorf("scheduler: commit tx: %w", err))
	}

	s.metrics.EscrowSettled(string(t.Status), string(escrow.SourceScheduler), t.Currency, t.Amount)
	s.logger.Info("escrow auto-released", "transaction_id", t.ID, "amount", t.Amount, "currency", t.Currency)
	return true, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now().UTC()); err != nil && ctx.Err() == nil {
				s.logger.Error("auto-release sweep failed", "error", err)
			}
		}
	}
}
