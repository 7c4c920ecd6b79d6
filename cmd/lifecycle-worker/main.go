package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/metrics"
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

	lg.Info("lifecycle-worker starting up", zap.String("env", cfg.Env), zap.Duration("interval", cfg.WorkerInterval))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "lifecycle-worker", MaxConns: 4})
	cancelPg()
	if err != nil {
		lg.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	lg.Info("connected to Postgres")

	// the sweeps only touch Postgres: no slot lock, gateway or mail needed
	svc := appointment.NewService(appointment.Deps{
		Repo:    appointment.NewPgRepository(pgPool),
		Clock:   clock.System(cfg.Location),
		Log:     lg.Named("appointment"),
		Metrics: metrics.NewCollector("booking", prometheus.NewRegistry()),
	}, cfg)

	// Run once at startup
	runOnce(rootCtx, svc, lg)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			lg.Info("shutdown signal received, stopping lifecycle worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, lg)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, lg *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := svc.ExpirePendingAppointments(runCtx)
	if err != nil {
		lg.Error("expiry run error", zap.Error(err))
	}
	completed, err := svc.CompleteFinishedAppointments(runCtx)
	if err != nil {
		lg.Error("completion run error", zap.Error(err))
	}

	lg.Info("lifecycle run complete",
		zap.Int("expired", expired),
		zap.Int("completed", completed),
		zap.Duration("took", time.Since(start)),
	)
}
