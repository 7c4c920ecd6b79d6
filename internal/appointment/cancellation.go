package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/retry"
)

// CancellationWorkflow cancels a client's own appointment. The steps run in
// order and stop at the first failure:
//
//  1. load the appointment
//  2. only its client may cancel
//  3. cancelled or completed appointments are final
//  4. a confirmed appointment can only be cancelled up to the lead time
//  5. a paid appointment needs a payment reference
//  6. a paid appointment is refunded, and only an explicit success counts
//  7. both parties are notified, best-effort
//  8. the cancellation is saved
//
// Unpaid appointments skip steps 5 and 6. Notifications go out, and the
// appointment's pending reminders are dropped, once step 8 has been saved.
//
// Steps 6 and 8 run detached from the caller and from the lock context,
// each under its own timeout. The cancel lock TTL must cover both.
type CancellationWorkflow struct {
	svc           *Service
	persist       retry.Config
	refundTimeout time.Duration
	saveTimeout   time.Duration
}

const (
	defaultRefundTimeout = 30 * time.Second
	defaultSaveTimeout   = 15 * time.Second
)

func newCancellationWorkflow(svc *Service) *CancellationWorkflow {
	w := &CancellationWorkflow{
		svc:           svc,
		persist:       retry.DefaultConfig(),
		refundTimeout: svc.cfg.RefundTimeout,
		saveTimeout:   svc.cfg.CancelSaveTimeout,
	}
	if w.refundTimeout <= 0 {
		w.refundTimeout = defaultRefundTimeout
	}
	if w.saveTimeout <= 0 {
		w.saveTimeout = defaultSaveTimeout
	}
	return w
}

// detached bounds d from now, ignoring ctx's own deadline and cancellation.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (w *CancellationWorkflow) Cancel(ctx context.Context, appointmentID, requesterID uuid.UUID) (*Appointment, error) {
	appt, err := w.cancel(ctx, appointmentID, requesterID)
	w.svc.metrics.Cancellation(cancellationResult(err))
	return appt, err
}

func cancellationResult(err error) string {
	switch {
	case err == nil:
		return "cancelled"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrCancellationWindowClosed):
		return "window_closed"
	case errors.Is(err, ErrRefundFailed):
		return "refund_failed"
	case errors.Is(err, ErrPersistenceAfterRefund):
		return "unreconciled"
	default:
		return "rejected"
	}
}

func (w *CancellationWorkflow) cancel(ctx context.Context, appointmentID, requesterID uuid.UUID) (*Appointment, error) {
	s := w.svc

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.ClientID != requesterID {
		return nil, ErrForbidden
	}
	if appt.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	var cancelled *Appointment
	key := fmt.Sprintf("lock:cancel:%s", appt.ID)

	err = s.cancelLocker.WithSlotLock(ctx, key, func(lockCtx context.Context) error {
		// re-read under the lock so a concurrent cancel cannot refund twice
		current, err := s.repo.GetAppointment(lockCtx, appt.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		cancelled, err = w.run(lockCtx, current)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrCancellationInProgress
		}
		return nil, err
	}
	return cancelled, nil
}

func (w *CancellationWorkflow) run(ctx context.Context, appt *Appointment) (*Appointment, error) {
	s := w.svc
	now := s.clock.Now()

	if appt.Status == StatusConfirmed {
		if deadline := now.Add(s.cfg.CancellationLeadTime); appt.StartsAt.Before(deadline) {
			return nil, fmt.Errorf("%w: appointment starts %s", ErrCancellationWindowClosed, appt.StartsAt.Format(time.RFC3339))
		}
	}

	paymentAfter := appt.PaymentStatus
	var refund *payment.RefundResult

	if appt.PaymentStatus == PaymentPaid {
		reference := appt.Reference()
		if reference == "" {
			return nil, ErrMissingPaymentReference
		}

		refundCtx, cancel := detached(ctx, w.refundTimeout)
		res, err := s.gateway.Refund(refundCtx, reference)
		cancel()
		if err != nil {
			s.metrics.Refund("error")
			return nil, fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		if !res.Succeeded {
			s.metrics.Refund("rejected")
			return nil, fmt.Errorf("%w: gateway reported status %q", ErrRefundFailed, res.Status)
		}

		s.metrics.Refund("succeeded")
		refund = res
		paymentAfter = PaymentRefunded
	}

	// money may have moved, so nothing after this point follows ctx
	saveCtx, cancelSave := detached(ctx, w.saveTimeout)
	defer cancelSave()
	if refund != nil {
		s.logEvent(saveCtx, appt.ID, EventRefundIssued, map[string]any{
			"payment_reference": appt.Reference(),
			"refund_id":         refund.RefundID,
		})
	}

	var updated *Appointment
	err := retry.Do(saveCtx, w.persist, func() error {
		var err error
		updated, err = s.repo.FinalizeCancellation(saveCtx, appt.ID, appt.Status, paymentAfter, now)
		if errors.Is(err, ErrAppointmentNotFound) {
			// the guard failed: the status moved on, retrying cannot help
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if refund != nil {
			recordCtx, cancel := detached(ctx, w.saveTimeout)
			defer cancel()
			s.log.Error("refund issued but cancellation not saved, reconcile manually",
				zap.Stringer("appointment_id", appt.ID),
				zap.String("payment_reference", appt.Reference()),
				zap.String("refund_id", refund.RefundID),
				zap.Error(err),
			)
			s.logEvent(recordCtx, appt.ID, EventRefundUnreconciled, map[string]any{
				"payment_reference": appt.Reference(),
				"refund_id":         refund.RefundID,
				"error":             err.Error(),
			})
			return nil, fmt.Errorf("%w: %v", ErrPersistenceAfterRefund, err)
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	afterCtx, cancelAfter := detached(ctx, w.saveTimeout)
	defer cancelAfter()
	s.logEvent(afterCtx, updated.ID, EventAppointmentCancelled, map[string]any{
		"from":     appt.Status,
		"refunded": refund != nil,
	})
	w.dropReminders(afterCtx, updated.ID)
	w.notify(afterCtx, updated, refund != nil)

	s.log.Info("appointment cancelled",
		zap.Stringer("appointment_id", updated.ID),
		zap.String("from", string(appt.Status)),
		zap.Bool("refunded", refund != nil),
	)
	return updated, nil
}

func (w *CancellationWorkflow) dropReminders(ctx context.Context, id uuid.UUID) {
	s := w.svc
	if s.reminders == nil {
		return
	}
	n, err := s.reminders.CancelAppointmentReminders(ctx, id)
	if err != nil {
		s.log.Warn("reminders of cancelled appointment not removed, they may still be sent",
			zap.Stringer("appointment_id", id),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		s.log.Debug("reminders removed", zap.Stringer("appointment_id", id), zap.Int("count", n))
	}
}

func (w *CancellationWorkflow) notify(ctx context.Context, appt *Appointment, refunded bool) {
	s := w.svc

	provider, err := s.repo.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		s.log.Warn("cancellation notice not sent", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
		return
	}
	client, err := s.repo.GetClient(ctx, appt.ClientID)
	if err != nil {
		s.log.Warn("cancellation notice not sent", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
		return
	}

	s.dispatch(notify.AppointmentCancelled(visitOf(provider, client, appt), refunded)...)
}
