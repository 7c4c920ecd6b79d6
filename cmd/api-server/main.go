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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/api"
	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	"github.com/hackgods/consultation-booking/internal/prescription"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/reminder"
)

const version = "0.1.0"

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

	lg.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("timezone", cfg.Timezone),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "api-server", MaxConns: 20})
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		lg.Fatal("postgres init error", zap.Error(err))
	}
	defer pgPool.Close()
	lg.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector("booking", reg)

	gateway, err := payment.NewMercadoPago(payment.MercadoPagoConfig{
		AccessToken:     cfg.MercadoPagoAccessToken,
		NotificationURL: cfg.PaymentNotificationURL,
		Currency:        cfg.PaymentCurrency,
	}, lg)
	if err != nil {
		lg.Fatal("payment gateway init error", zap.Error(err))
	}

	sender, err := notify.NewSender(smtpConfig(cfg), lg.Named("mail"))
	if err != nil {
		lg.Fatal("mail sender init error", zap.Error(err))
	}
	dispatcher := notify.NewDispatcher(sender, lg.Named("notify"), 0)

	clk := clock.System(cfg.Location)
	reminders := reminder.NewScheduler(reminder.NewRedisStore(rdb, reminder.DefaultPrefix), clk, lg.Named("reminder"), m, reminder.Options{
		MaxAttempts:       cfg.ReminderMaxAttempts,
		AppointmentOffset: cfg.AppointmentReminder,
		MedicationOffset:  cfg.MedicationReminder,
		Location:          cfg.Location,
	})

	appointments := appointment.NewService(appointment.Deps{
		Repo:         appointment.NewPgRepository(pgPool),
		Locker:       redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, lg.Named("lock")),
		CancelLocker: redisclient.NewRedisSlotLocker(rdb, cfg.CancelLockTTL, lg.Named("lock")),
		Gateway:      gateway,
		Reminders:    reminders,
		Notifier:     dispatcher,
		Clock:        clk,
		Log:          lg.Named("appointment"),
		Metrics:      m,
	}, cfg)

	prescriptions := prescription.NewService(
		prescription.NewPgRepository(pgPool),
		appointments,
		reminders,
		clk,
		lg.Named("prescription"),
		cfg.Location,
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments:  appointments,
		Prescriptions: prescriptions,
		Reminders:     reminders,
		Metrics:       m,
		Log:           lg.Named("http"),
		PgPool:        pgPool,
		Redis:         rdb,
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		lg.Info("shutdown signal received")
	case err := <-errCh:
		lg.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// handlers still running may dispatch after Close; those messages
		// are dropped
		lg.Warn("graceful shutdown failed", zap.Error(err))
	}
	// flush notifications queued by the requests that finished
	dispatcher.Close()

	lg.Info("api-server stopped")
}

func smtpConfig(cfg config.Config) notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		FromName:  cfg.SMTPFromName,
		FromEmail: cfg.SMTPFromEmail,
	}
}
