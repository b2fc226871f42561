package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"gigescrow/auth"
	"gigescrow/casenum"
	"gigescrow/config"
	"gigescrow/db"
	"gigescrow/dispute"
	"gigescrow/escrow"
	"gigescrow/evidence"
	"gigescrow/metrics"
	"gigescrow/notify"
	"gigescrow/outbox"
	"gigescrow/payment"
	"gigescrow/ratelimit"
	"gigescrow/redisx"
	"gigescrow/scheduler"
	"gigescrow/settlement"
)

func main() {
	configPath := flag.String("config", os.Getenv("GIGESCROW_CONFIG"), "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.DSN, db.PoolConfig{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.Database.RunMigrations {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisx.New(ctx, redisx.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var uploads *evidence.Store
	if cfg.S3.Bucket != "" {
		uploads, err = evidence.New(ctx, evidence.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			PublicBaseURL:  cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return err
		}
	}

	m := metrics.New()
	outboxStore := outbox.NewPGStore()

	ledger := escrow.NewLedger(escrow.NewRepository(), schedule)
	manager := dispute.NewManager(dispute.NewRepository(), casenum.NewGenerator(casenum.PGCounter{}), dispute.NewRosterAssigner(cfg.Roster()))
	orchestrator := settlement.New(pool, ledger, manager, settlement.Config{Outbox: outboxStore, Logger: logger, Metrics: m})

	schedCfg := scheduler.Config{
		Interval: cfg.Scheduler.Interval.Duration,
		Batch:    cfg.Scheduler.BatchSize,
		LockTTL:  cfg.Scheduler.LockTTL.Duration,
		Hook:     orchestrator.AfterAutoRelease,
		Logger:   logger,
		Metrics:  m,
	}
	if rdb != nil {
		schedCfg.Locker = redisx.NewLocker(rdb)
	}
	releases := scheduler.New(pool, ledger, schedCfg)

	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.Timeout.Duration))
	}
	if rdb != nil {
		senders = append(senders, notify.NewStreamSender(rdb, cfg.Notify.Stream))
	}
	relay := outbox.NewRelay(pool, outboxStore, notify.NewNotifier(senders...), outbox.RelayConfig{
		Batch:    cfg.Outbox.BatchSize,
		Interval: cfg.Outbox.Interval.Duration,
		Logger:   logger,
		Metrics:  m,
	})

	authService := auth.NewService(auth.NewRepository(pool), cfg.Server.JWTSecret).WithTokenTTL(cfg.Server.TokenTTL.Duration)

	server := &Server{
		authService:    authService,
		escrowService:  escrow.NewService(pool, ledger),
		disputeService: dispute.NewService(pool, manager),
		settlement:     orchestrator,
		payments:       payment.NewService(pool, payment.NewRepository(), ledger, outboxStore),
		releases:       releases,
		logger:         logger,
		metrics:        m,
		limiter:        ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute),
		webhookSecret:  cfg.Server.WebhookSecret,
		maxUploadBytes: cfg.Server.MaxUploadBytes,
	}
	if uploads != nil {
		server.uploads = uploads
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return releases.Run(gctx) })
	}
	g.Go(func() error { return relay.Run(gctx) })

	err = g.Wait()
	logger.Info("api stopped")
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
