package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/config"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/lease"
	"github.com/example/issuer-sync/internal/lifecycle"
	"github.com/example/issuer-sync/internal/logging"
	"github.com/example/issuer-sync/internal/reconcile"
	"github.com/example/issuer-sync/internal/security"
	"github.com/example/issuer-sync/internal/store"
	"github.com/example/issuer-sync/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("issuer-syncd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var (
		locker      lease.Locker = lease.NewLocalLocker()
		rateLimiter *security.RedisTokenBucket
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = &lease.RedisLocker{Redis: rdb, Prefix: "issuer_sync"}
		if cfg.Webhook.RateCapacity > 0 && cfg.Webhook.RatePerSecond > 0 {
			rateLimiter = &security.RedisTokenBucket{
				Redis:      rdb,
				Prefix:     "issuer_sync_webhooks",
				Capacity:   cfg.Webhook.RateCapacity,
				RefillRate: cfg.Webhook.RatePerSecond,
			}
		}
	} else {
		logger.Warn("REDIS_ADDR not set, job leases are local to this process")
	}

	client := issuer.New(issuer.Config{
		BaseURL:      cfg.Issuer.BaseURL,
		AppToken:     cfg.Issuer.AppToken,
		AccessToken:  cfg.Issuer.AccessToken,
		Timeout:      cfg.Issuer.Timeout,
		MaxRetries:   cfg.Issuer.MaxRetries,
		RetryWait:    cfg.Issuer.RetryWait,
		RetryMaxWait: cfg.Issuer.RetryMaxWait,
	}, logger)

	sm := cards.NewStateMachine(st, client, logger)
	orch := lifecycle.New(st, client, sm, lifecycle.Config{CardProductToken: cfg.Issuer.CardProductToken}, logger)

	jobs := reconcile.NewJobs(st, client, sm, orch, reconcile.Config{
		PageSize:            cfg.Sync.PageSize,
		PageDelay:           cfg.Sync.PageDelay,
		CallDelay:           cfg.Sync.CallDelay,
		Parallelism:         cfg.Sync.Parallelism,
		TransactionLookback: cfg.Sync.TransactionLookback,
		LowBalanceThreshold: cfg.Sync.LowBalanceThreshold,
	}, logger)
	runner := reconcile.NewRunner(jobs, locker, cfg.Sync.LeaseTTL, logger)
	runner.OnFailure = reconcile.NewFailureLog(logger).Record
	scheduler, err := reconcile.NewScheduler(runner, map[reconcile.Kind]string{
		reconcile.KindPersons:      cfg.Sync.CronPersons,
		reconcile.KindCards:        cfg.Sync.CronCards,
		reconcile.KindTransactions: cfg.Sync.CronTransactions,
		reconcile.KindLowBalance:   cfg.Sync.CronLowBalance,
		reconcile.KindResume:       cfg.Sync.CronResume,
	}, time.UTC, logger)
	if err != nil {
		return err
	}

	processor, err := webhooks.NewProcessor(st, client, sm, logger)
	if err != nil {
		return err
	}
	allowlist, err := security.ParseCIDRAllowlist(cfg.Webhook.IPAllowlist)
	if err != nil {
		return err
	}
	router, err := webhooks.NewRouter(webhooks.Dependencies{
		Logger:       logger,
		Processor:    processor,
		Username:     cfg.Webhook.Username,
		PasswordHash: cfg.Webhook.PasswordHash,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		RateLimiter:  rateLimiter,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Webhook.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsFiles := security.TLSConfig{
		CertFile: cfg.Webhook.TLSCertFile,
		KeyFile:  cfg.Webhook.TLSKeyFile,
		CAFile:   cfg.Webhook.TLSCAFile,
	}
	if tlsFiles.Enabled() {
		if srv.TLSConfig, err = security.LoadServerTLSConfig(tlsFiles); err != nil {
			return err
		}
	}

	scheduler.Start()
	logger.Info("reconciliation scheduled", "jobs", scheduler.Entries())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", srv.Addr, "tls", tlsFiles.Enabled())
		var err error
		if tlsFiles.Enabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server shutdown", "error", err)
	}
	scheduler.Stop(shutdownCtx)
	return serveErr
}
