package main

import (
	"context"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "seed"})
	if err != nil {
		lg.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		lg.Fatal("migrate", zap.Error(err))
	}

	gofakeit.Seed(0)

	if err := seedProviders(ctx, pool, lg, 50); err != nil {
		lg.Fatal("seed providers", zap.Error(err))
	}
	if err := seedClients(ctx, pool, lg, 5000); err != nil {
		lg.Fatal("seed clients", zap.Error(err))
	}

	lg.Info("seed complete")
}

// seedProviders creates providers working a random subset of weekdays, each
// with its own daily window and consultation length.
func seedProviders(ctx context.Context, pool *pgxpool.Pool, lg *zap.Logger, count int) error {
	lg.Info("seeding providers", zap.Int("count", count))

	durations := []int{30, 45, 60}
	fees := []int64{8000, 12000, 15000, 20000}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, email, consultation_minutes, fee_cents, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, "Dr. "+gofakeit.Name(), gofakeit.Email(),
			durations[gofakeit.Number(0, len(durations)-1)], fees[gofakeit.Number(0, len(fees)-1)])
		if err != nil {
			return err
		}

		for _, entry := range randomWeek() {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_schedules (provider_id, weekday, from_minute, to_minute)
				VALUES ($1, $2, $3, $4)
			`, id, int(entry.Weekday), int(entry.From), int(entry.To))
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	lg.Info("providers seeded")
	return nil
}

func randomWeek() schedule.WeeklySchedule {
	var week schedule.WeeklySchedule
	for day := time.Monday; day <= time.Saturday; day++ {
		if gofakeit.Number(0, 3) == 0 {
			continue
		}
		from := schedule.Minute(gofakeit.Number(7, 10) * 60)
		to := from + schedule.Minute(gofakeit.Number(3, 8)*60)
		week = append(week, schedule.WeeklyEntry{Weekday: day, From: from, To: to})
	}
	return week
}

func seedClients(ctx context.Context, pool *pgxpool.Pool, lg *zap.Logger, count int) error {
	lg.Info("seeding clients", zap.Int("count", count))

	rows := make([][]any, 0, count)
	now := time.Now()
	for i := 0; i < count; i++ {
		rows = append(rows, []any{uuid.New(), gofakeit.Name(), gofakeit.Email(), now, now})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"clients"},
		[]string{"id", "name", "email", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}

	lg.Info("clients seeded", zap.Int64("rows", n))
	return nil
}
