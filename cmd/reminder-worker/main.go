package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/reminder"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("reminder-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("poll_interval", cfg.ReminderPollInterval),
		zap.Int("concurrency", cfg.ReminderConcurrency),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.ReminderConcurrency + 2,
	})
	if err != nil {
		lg.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			lg.Warn("error closing redis", zap.Error(err))
		}
	}()
	lg.Info("connected to Redis")

	sender, err := notify.NewSender(notify.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		FromName:  cfg.SMTPFromName,
		FromEmail: cfg.SMTPFromEmail,
	}, lg.Named("mail"))
	if err != nil {
		lg.Fatal("mail sender init error", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("booking", reg)

	// the worker has no HTTP API, only a scrape endpoint
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Warn("metrics server error", zap.Error(err))
		}
	}()

	worker := reminder.NewWorker(
		reminder.NewRedisStore(rdb, reminder.DefaultPrefix),
		sender,
		clock.System(cfg.Location),
		lg.Named("reminder"),
		m,
		reminder.WorkerOptions{
			PollInterval: cfg.ReminderPollInterval,
			BatchSize:    cfg.ReminderBatchSize,
			Concurrency:  cfg.ReminderConcurrency,
			Lease:        cfg.ReminderLease,
			Backoff:      cfg.ReminderBackoff,
		},
	)

	if err := worker.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("reminder worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	lg.Info("reminder-worker stopped")
}
