package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/beaconhq/beacon-delivery/internal/config"
	"github.com/beaconhq/beacon-delivery/internal/fanout"
	"github.com/beaconhq/beacon-delivery/internal/http/handler"
	"github.com/beaconhq/beacon-delivery/internal/http/router"
	"github.com/beaconhq/beacon-delivery/internal/presence"
	"github.com/beaconhq/beacon-delivery/internal/push"
	"github.com/beaconhq/beacon-delivery/internal/ratelimit"
	"github.com/beaconhq/beacon-delivery/internal/repository"
	"github.com/beaconhq/beacon-delivery/internal/security"
	"github.com/beaconhq/beacon-delivery/internal/transport"
)

func newServeCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alert delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file to load before reading the environment")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := gorm.Open(sqlite.Open(cfg.SQLiteDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	policy := ratelimit.Policy{Window: cfg.RateLimitWindow, MaxRequests: cfg.RateLimitMax}
	var (
		limiter   ratelimit.Limiter
		dedup     fanout.DedupStore
		readiness []router.ReadinessCheck
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(client, "beacon:rl", policy)
		dedup = fanout.NewRedisDedup(client, "beacon:alert_seen", time.Hour)
		readiness = append(readiness, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.Info("quota and dedup backed by redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalLimiter(policy)
		dedup = fanout.NewMemoryDedup(time.Hour)
		logger.Warn("redis not configured, quota and dedup are per-process")
	}
	readiness = append(readiness, func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	adapter := push.NewAdapter(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, logger)
	if !cfg.PushConfigured() {
		logger.Warn("vapid keys not configured, durable delivery disabled")
	}

	manager := presence.NewManager(logger,
		presence.WithIdleTimeout(cfg.SessionIdleTimeout, cfg.SessionSweepInterval))

	subscriptions := repository.NewSubscriptionStore(db)
	contacts := repository.NewContactGraph(db)
	dispatcher := fanout.NewDispatcher(manager, subscriptions, adapter, limiter, dedup, logger)
	verifier := security.NewJWTVerifier(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)

	mux := router.New(router.Dependencies{
		AlertHandler:        handler.NewAlertHandler(dispatcher, contacts, cfg.PushConfigured(), logger),
		NotifyHandler:       handler.NewNotifyHandler(adapter, limiter, logger),
		SubscriptionHandler: handler.NewSubscriptionHandler(subscriptions, logger),
		WebsocketHandler:    transport.NewHandler(manager, verifier, cfg.CORSOrigins, logger),
		Verifier:            verifier,
		CORSOrigins:         cfg.CORSOrigins,
		Readiness:           readiness,
		EnableOTelHTTP:      true,
	})

	// No Read/WriteTimeout: the websocket endpoint holds connections open and
	// enforces its own ping/pong deadlines.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go manager.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
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
