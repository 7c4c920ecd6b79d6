package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/metrics"
)

type RouterConfig struct {
	Appointments  AppointmentService
	Prescriptions PrescriptionService
	Reminders     FailedReminders
	Metrics       *metrics.Collector
	Log           *zap.Logger
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log, cfg.Metrics))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Get("/providers/{id}/slots", availableSlotsHandler(cfg.Appointments))

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Appointments))
		r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/checkout", checkoutHandler(cfg.Appointments))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/complete", completeAppointmentHandler(cfg.Appointments))
		if cfg.Prescriptions != nil {
			r.Post("/{id}/prescriptions", issuePrescriptionHandler(cfg.Prescriptions))
			r.Get("/{id}/prescriptions", listPrescriptionsHandler(cfg.Prescriptions))
		}
	})

	r.Post("/webhooks/payments", paymentWebhookHandler(cfg.Appointments, log))

	if cfg.Reminders != nil {
		r.Get("/reminders/failed", failedRemindersHandler(cfg.Reminders))
	}

	return r
}
