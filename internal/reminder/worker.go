package reminder

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
)

type WorkerOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	Lease        time.Duration
	Backoff      time.Duration
	SendTimeout  time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.Backoff <= 0 {
		o.Backoff = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	return o
}

// Worker delivers due reminders. Each job succeeds or fails on its own; a
// failing job never holds up the rest of the batch.
type Worker struct {
	store   Store
	sender  notify.Sender
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Collector
	opts    WorkerOptions
}

func NewWorker(store Store, sender notify.Sender, clk clock.Clock, log *zap.Logger, m *metrics.Collector, opts WorkerOptions) *Worker {
	return &Worker{
		store:   store,
		sender:  sender,
		clock:   clk,
		log:     log,
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Info("reminder worker started",
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Int("concurrency", w.opts.Concurrency),
	)

	for {
		if _, err := w.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("reminder poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.log.Info("reminder worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll: recover expired leases, claim due jobs and deliver
// them. It returns how many jobs were claimed.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	now := w.clock.Now()

	recovered, err := w.store.RecoverExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		w.log.Warn("recovered reminders with expired lease", zap.Int("count", recovered))
	}

	jobs, err := w.store.ClaimDue(ctx, now, w.opts.BatchSize, w.opts.Lease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.deliver(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return len(jobs), nil
}

func (w *Worker) deliver(ctx context.Context, job Job) {
	sendCtx, cancel := context.WithTimeout(ctx, w.opts.SendTimeout)
	err := w.sender.Send(sendCtx, notify.Message{
		To:      job.Recipient,
		Subject: job.Subject,
		Body:    job.Body,
	})
	cancel()

	log := w.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))

	if err == nil {
		if ackErr := w.store.Ack(ctx, job.ID); ackErr != nil {
			// the lease will expire and the job will be sent again
			log.Error("reminder sent but not acknowledged", zap.Error(ackErr))
			return
		}
		w.metrics.ReminderDelivery("sent")
		log.Debug("reminder sent")
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if job.Exhausted() {
		failedAt := w.clock.Now()
		job.FailedAt = &failedAt
		if buryErr := w.store.Bury(ctx, job); buryErr != nil {
			log.Error("failed to park exhausted reminder", zap.Error(buryErr))
			return
		}
		w.metrics.ReminderDelivery("failed")
		log.Error("reminder delivery exhausted",
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		return
	}

	next := w.clock.Now().Add(Backoff(w.opts.Backoff, job.Attempts))
	if retryErr := w.store.Retry(ctx, job, next); retryErr != nil {
		log.Error("failed to reschedule reminder", zap.Error(retryErr))
		return
	}
	w.metrics.ReminderDelivery("retried")
	log.Warn("reminder delivery failed, will retry",
		zap.Int("attempt", job.Attempts),
		zap.Time("next_attempt", next),
		zap.Error(err),
	)
}
