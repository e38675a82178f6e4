package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/circuitbreaker"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/dispatch"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/observ"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/tracking"
	"github.com/courierhq/courier/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier dispatcher",
		zap.String("env", cfg.Env),
		zap.Duration("poll_interval", cfg.DispatchPollInterval),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	// The send window is the hard backstop on provider throughput. Without
	// Redis the dispatcher still runs paced by the schedule alone.
	var limiter dispatch.Limiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, send window disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		limiter = redis.NewSendWindow(redisClient, logger, redis.SendWindowConfig{
			Limit:  cfg.SendWindowLimit,
			Window: cfg.SendWindowLength,
		})
		defer redisClient.Close()
	}

	var tracker dispatch.Tracker
	if cfg.TrackingBaseURL != "" {
		tracker = tracking.NewClient(cfg.TrackingBaseURL, cfg.TrackingTimeout, logger)
	}

	worker := dispatch.New(repo, tr, limiter, tracker, dispatch.Config{
		PollInterval: cfg.DispatchPollInterval,
		ClaimLimit:   cfg.DispatchClaimLimit,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		BackoffBase:  cfg.DispatchBackoffBase,
		BackoffMax:   cfg.DispatchBackoffMax,
		SendTimeout:  cfg.DispatchSendTimeout,
		StaleAfter:   cfg.DispatchStaleAfter,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go worker.Start(workerCtx)

	// Small ops surface: health plus Prometheus metrics.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("ops server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new emails, then drain the ops server. An email
		// mid-send finishes or comes back via the stale-sending reclaim.
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("dispatcher stopped gracefully")
	}

	return nil
}

// buildTransport assembles the delivery stack: SMTP behind a circuit
// breaker as primary, SES behind its own breaker as fallback when enabled.
// With no SMTP host configured, sends go to the log transport instead,
// which is how local development runs.
func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("no smtp host configured, using log transport")
		return transport.NewLog(logger), nil
	}

	smtp := transport.NewSMTP(transport.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)
	primary := circuitbreaker.NewProtectedTransport(
		smtp,
		circuitbreaker.New(circuitbreaker.DefaultConfig("smtp"), logger),
		logger,
	)

	if !cfg.SESEnabled {
		return primary, nil
	}

	ses, err := transport.NewSES(ctx, transport.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("ses unavailable, running without fallback transport",
			zap.Error(err),
		)
		return primary, nil
	}
	fallback := circuitbreaker.NewProtectedTransport(
		ses,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
		logger,
	)

	return transport.NewFailover(primary, fallback, logger), nil
}
