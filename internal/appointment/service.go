package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/reminder"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventCheckoutCreated      = "CHECKOUT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventPaymentFailed        = "PAYMENT_FAILED"
	EventPaymentAfterTerminal = "PAYMENT_AFTER_TERMINAL"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventRefundIssued         = "REFUND_ISSUED"
	EventRefundUnreconciled   = "REFUND_UNRECONCILED"
	EventPrescribed           = "APPOINTMENT_PRESCRIBED"
)

// ReminderScheduler is the part of the reminder subsystem the booking flow
// needs.
type ReminderScheduler interface {
	ScheduleAppointmentReminders(ctx context.Context, r reminder.AppointmentReminder) error
	CancelAppointmentReminders(ctx context.Context, appointmentID uuid.UUID) (int, error)
}

// Notifier sends messages after the state change that produced them is
// saved. It must not block.
type Notifier interface {
	Dispatch(msgs ...notify.Message)
}

type Deps struct {
	Repo   Repository
	Locker redisclient.Locker
	// CancelLocker guards cancellations. Its lock must outlive a refund plus
	// the save; Locker is used when nil.
	CancelLocker redisclient.Locker
	Gateway      payment.Gateway
	Reminders    ReminderScheduler
	Notifier     Notifier
	Clock        clock.Clock
	Log          *zap.Logger
	Metrics      *metrics.Collector
}

type Service struct {
	repo         Repository
	locker       redisclient.Locker
	cancelLocker redisclient.Locker
	gateway      payment.Gateway
	reminders    ReminderScheduler
	notifier     Notifier
	clock        clock.Clock
	log          *zap.Logger
	metrics      *metrics.Collector
	cfg          config.Config
	loc          *time.Location

	cancellation *CancellationWorkflow
}

func NewService(d Deps, cfg config.Config) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if d.Clock == nil {
		d.Clock = clock.System(loc)
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.CancelLocker == nil {
		d.CancelLocker = d.Locker
	}

	s := &Service{
		repo:         d.Repo,
		locker:       d.Locker,
		cancelLocker: d.CancelLocker,
		gateway:      d.Gateway,
		reminders:    d.Reminders,
		notifier:     d.Notifier,
		clock:        d.Clock,
		log:          d.Log,
		metrics:      d.Metrics,
		cfg:          cfg,
		loc:          loc,
	}
	s.cancellation = newCancellationWorkflow(s)
	return s
}

// GetAvailableSlots lists the provider's slots on date (YYYY-MM-DD) and
// which of them can still be booked.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, date string) (*schedule.Availability, error) {
	day, err := schedule.ParseDate(date, s.loc)
	if err != nil {
		return nil, invalid("date", err)
	}

	provider, err := s.repo.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	return s.resolve(ctx, provider, day, s.clock.Now())
}

func (s *Service) resolve(ctx context.Context, provider *Provider, day, now time.Time) (*schedule.Availability, error) {
	active, err := s.repo.ListActiveAppointments(ctx, provider.ID, day)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}

	occupied := make([]schedule.Slot, 0, len(active))
	for _, a := range active {
		occupied = append(occupied, a.Slot)
	}

	return schedule.Resolve(schedule.ResolveInput{
		Date:        day,
		Now:         now,
		Location:    s.loc,
		Schedule:    provider.Schedule,
		SlotMinutes: provider.SlotMinutes(),
		Occupied:    occupied,
	})
}

type BookRequest struct {
	ProviderID uuid.UUID
	ClientID   uuid.UUID
	Date       string // YYYY-MM-DD
	From       string // HH:MM
	To         string // HH:MM, last minute of the slot
	Notes      string
}

func (r BookRequest) validate(loc *time.Location) (time.Time, schedule.Slot, error) {
	if r.ProviderID == uuid.Nil {
		return time.Time{}, schedule.Slot{}, &ValidationError{Field: "provider_id", Reason: "is required"}
	}
	if r.ClientID == uuid.Nil {
		return time.Time{}, schedule.Slot{}, &ValidationError{Field: "client_id", Reason: "is required"}
	}
	if r.Date == "" {
		return time.Time{}, schedule.Slot{}, &ValidationError{Field: "date", Reason: "is required"}
	}
	day, err := schedule.ParseDate(r.Date, loc)
	if err != nil {
		return time.Time{}, schedule.Slot{}, invalid("date", err)
	}
	if r.From == "" || r.To == "" {
		return time.Time{}, schedule.Slot{}, &ValidationError{Field: "slot", Reason: "from and to are required"}
	}
	slot, err := schedule.ParseSlot(r.From, r.To)
	if err != nil {
		return time.Time{}, schedule.Slot{}, invalid("slot", err)
	}
	return day, slot, nil
}

// Book creates a pending appointment for the requested slot.
// The slot lock keeps concurrent requests for the same slot apart and the
// unique index on active appointments decides any race the lock misses.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	appt, err := s.book(ctx, req)
	switch {
	case err == nil:
		s.metrics.Booking("created")
	case errors.Is(err, ErrSlotUnavailable):
		s.metrics.Booking("conflict")
	default:
		s.metrics.Booking("rejected")
	}
	return appt, err
}

func (s *Service) book(ctx context.Context, req BookRequest) (*Appointment, error) {
	day, slot, err := req.validate(s.loc)
	if err != nil {
		return nil, err
	}

	provider, err := s.repo.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if day.Before(schedule.Today(now, s.loc)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDate, req.Date)
	}

	startsAt := schedule.StartOf(day, slot.From, s.loc)
	if earliest := now.Add(s.cfg.BookingLeadTime); startsAt.Before(earliest) {
		return nil, fmt.Errorf("%w: starts %s, earliest bookable start is %s",
			ErrLeadTimeViolation, startsAt.Format(time.RFC3339), earliest.Format(time.RFC3339))
	}

	var created *Appointment
	key := redisclient.SlotKey(provider.ID, req.Date, slot.Key())

	err = s.locker.WithSlotLock(ctx, key, func(lockCtx context.Context) error {
		avail, err := s.resolve(lockCtx, provider, day, now)
		if err != nil {
			if errors.Is(err, ErrNoScheduleForDay) {
				return fmt.Errorf("%w: %v", ErrSlotUnavailable, err)
			}
			return err
		}
		if !avail.Contains(slot) {
			return fmt.Errorf("%w: %s on %s", ErrSlotUnavailable, slot.Key(), req.Date)
		}

		expiresAt := now.Add(s.cfg.PaymentTTL)
		appt := &Appointment{
			ID:            uuid.New(),
			ProviderID:    provider.ID,
			ClientID:      client.ID,
			Date:          day,
			Weekday:       day.Weekday(),
			Slot:          slot,
			StartsAt:      startsAt,
			EndsAt:        schedule.StartOf(day, slot.To+1, s.loc),
			Status:        StatusPending,
			PaymentStatus: PaymentPending,
			ExpiresAt:     &expiresAt,
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			appt.Notes = &notes
		}

		created, err = s.repo.CreateAppointment(lockCtx, appt)
		if err != nil {
			if errors.Is(err, ErrSlotTaken) {
				return fmt.Errorf("%w: %v", ErrSlotUnavailable, err)
			}
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: slot is being booked by another request", ErrSlotUnavailable)
		}
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentCreated, map[string]any{
		"provider_id": provider.ID.String(),
		"client_id":   client.ID.String(),
		"date":        req.Date,
		"slot":        slot.Key(),
		"expires_at":  created.ExpiresAt,
	})
	s.dispatch(notify.BookingCreated(visitOf(provider, client, created))...)

	s.log.Info("appointment booked",
		zap.Stringer("appointment_id", created.ID),
		zap.Stringer("provider_id", provider.ID),
		zap.String("date", req.Date),
		zap.String("slot", slot.Key()),
	)
	return created, nil
}

// Checkout creates a payment for a pending appointment owned by clientID.
func (s *Service) Checkout(ctx context.Context, appointmentID, clientID uuid.UUID) (*payment.Checkout, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.ClientID != clientID {
		return nil, ErrForbidden
	}
	if appt.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if appt.Status != StatusPending || appt.PaymentStatus == PaymentPaid {
		return nil, ErrNotPayable
	}

	provider, err := s.repo.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, appt.ClientID)
	if err != nil {
		return nil, err
	}

	checkout, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		AppointmentID: appt.ID,
		Title:         fmt.Sprintf("Consultation with %s on %s %s", provider.Name, appt.Day(), appt.Slot.From),
		AmountCents:   provider.FeeCents,
		PayerEmail:    client.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	if err := s.repo.SetCheckout(ctx, appt.ID, checkout.ID); err != nil {
		return nil, fmt.Errorf("store checkout: %w", err)
	}
	s.logEvent(ctx, appt.ID, EventCheckoutCreated, map[string]any{
		"checkout_id":  checkout.ID,
		"amount_cents": provider.FeeCents,
	})

	return checkout, nil
}

// ConfirmPayment records a successful payment. A pending appointment
// becomes confirmed and paid, and its reminders are scheduled. Confirming an
// appointment that is already confirmed and paid is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, appointmentID uuid.UUID, reference string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if done, err := s.checkConfirmable(ctx, appt, reference); err != nil {
		return nil, err
	} else if done {
		return appt, nil
	}

	updated, err := s.repo.MarkPaid(ctx, appt.ID, reference)
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("confirm appointment: %w", err)
		}
		// lost a race; decide on the current state
		current, getErr := s.repo.GetAppointment(ctx, appt.ID)
		if getErr != nil {
			return nil, getErr
		}
		if done, err := s.checkConfirmable(ctx, current, reference); err != nil {
			return nil, err
		} else if done {
			return current, nil
		}
		return nil, fmt.Errorf("%w: confirm %s from %s", ErrInvalidTransition, current.ID, current.Status)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{
		"payment_reference": reference,
	})
	s.scheduleReminders(ctx, updated)

	s.log.Info("appointment confirmed",
		zap.Stringer("appointment_id", updated.ID),
		zap.String("payment_reference", reference),
	)
	return updated, nil
}

// checkConfirmable reports done when the payment needs no further action.
func (s *Service) checkConfirmable(ctx context.Context, appt *Appointment, reference string) (bool, error) {
	switch {
	case appt.Status.Terminal():
		s.log.Error("payment received for a closed appointment, refund must be reconciled manually",
			zap.Stringer("appointment_id", appt.ID),
			zap.String("status", string(appt.Status)),
			zap.String("payment_reference", reference),
		)
		s.logEvent(ctx, appt.ID, EventPaymentAfterTerminal, map[string]any{
			"status":            appt.Status,
			"payment_reference": reference,
		})
		return true, ErrAlreadyTerminal
	case appt.Status == StatusConfirmed && appt.PaymentStatus == PaymentPaid:
		return true, nil
	case appt.Status != StatusPending:
		return true, fmt.Errorf("%w: confirm %s from %s", ErrInvalidTransition, appt.ID, appt.Status)
	}
	return false, nil
}

func (s *Service) scheduleReminders(ctx context.Context, appt *Appointment) {
	if s.reminders == nil {
		return
	}

	provider, err := s.repo.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		s.log.Warn("reminders not scheduled, provider lookup failed", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
		return
	}
	client, err := s.repo.GetClient(ctx, appt.ClientID)
	if err != nil {
		s.log.Warn("reminders not scheduled, client lookup failed", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
		return
	}

	err = s.reminders.ScheduleAppointmentReminders(ctx, reminder.AppointmentReminder{
		AppointmentID: appt.ID,
		StartsAt:      appt.StartsAt,
		Visit:         visitOf(provider, client, appt),
	})
	if err != nil {
		s.log.Warn("appointment reminders not scheduled",
			zap.Stringer("appointment_id", appt.ID),
			zap.Error(err),
		)
	}
}

// MarkPaymentFailed records a rejected payment. The appointment stays
// pending and keeps its slot until it expires or a new payment succeeds.
func (s *Service) MarkPaymentFailed(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	updated, err := s.repo.MarkPaymentFailed(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// missing, or no longer pending: report the current state
			return s.repo.GetAppointment(ctx, appointmentID)
		}
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventPaymentFailed, map[string]any{})
	return updated, nil
}

// HandlePaymentWebhook resolves a gateway notification and applies it.
// Notifications that are not about a payment are ignored.
func (s *Service) HandlePaymentWebhook(ctx context.Context, n payment.Notification) error {
	if !n.IsPayment() {
		s.log.Debug("ignoring payment notification", zap.String("type", n.Type), zap.String("action", n.Action))
		return nil
	}

	ev, err := s.gateway.LookupPayment(ctx, n.Data.ID)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownPayment) {
			s.log.Warn("payment notification for unknown payment", zap.String("payment_id", n.Data.ID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	s.metrics.PaymentEvent(string(ev.Status))
	log := s.log.With(zap.Stringer("appointment_id", ev.AppointmentID), zap.String("payment_reference", ev.Reference))

	switch ev.Status {
	case payment.StatusApproved:
		_, err := s.ConfirmPayment(ctx, ev.AppointmentID, ev.Reference)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAppointmentNotFound):
			log.Warn("approved payment not applied", zap.Error(err))
			return nil
		default:
			return err
		}
	case payment.StatusRejected, payment.StatusCancelled:
		if _, err := s.MarkPaymentFailed(ctx, ev.AppointmentID); err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return nil
	default:
		log.Debug("payment notification needs no action", zap.String("status", string(ev.Status)))
		return nil
	}
}

// Complete closes a confirmed appointment.
func (s *Service) Complete(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if !appt.Status.CanTransitionTo(StatusCompleted) {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, appt.Status)
	}

	updated, err := s.repo.TransitionStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted, s.clock.Now())
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{"reason": "manual"})
	return updated, nil
}

// Cancel runs the cancellation workflow for requesterID.
func (s *Service) Cancel(ctx context.Context, appointmentID, requesterID uuid.UUID) (*Appointment, error) {
	return s.cancellation.Cancel(ctx, appointmentID, requesterID)
}

// ExpirePendingAppointments cancels unpaid bookings whose payment window
// has passed, which frees their slots. It is called by the lifecycle worker.
func (s *Service) ExpirePendingAppointments(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expiredCandidates, err := s.repo.FindExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired pending appointments: %w", err)
	}

	expired := 0
	for _, appt := range expiredCandidates {
		_, err := s.repo.FinalizeCancellation(ctx, appt.ID, StatusPending, appt.PaymentStatus, now)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("failed to expire appointment", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
			}
			continue
		}
		expired++
		s.logEvent(ctx, appt.ID, EventAppointmentExpired, map[string]any{
			"reason":     "payment_window",
			"expires_at": appt.ExpiresAt,
		})
	}

	s.metrics.Swept(string(StatusCancelled), expired)
	return expired, nil
}

// CompleteFinishedAppointments marks confirmed appointments whose slot has
// ended as completed.
func (s *Service) CompleteFinishedAppointments(ctx context.Context) (int, error) {
	now := s.clock.Now()
	finished, err := s.repo.FindFinishedConfirmed(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find finished appointments: %w", err)
	}

	completed := 0
	for _, appt := range finished {
		_, err := s.repo.TransitionStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted, now)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("failed to complete appointment", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
			}
			continue
		}
		completed++
		s.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{"reason": "slot_ended"})
	}

	s.metrics.Swept(string(StatusCompleted), completed)
	return completed, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	return s.repo.GetClient(ctx, id)
}

// MarkPrescribed flags an appointment once a prescription was issued for it.
func (s *Service) MarkPrescribed(ctx context.Context, id uuid.UUID, prescriptionID uuid.UUID) error {
	if err := s.repo.SetPrescribed(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, id, EventPrescribed, map[string]any{"prescription_id": prescriptionID.String()})
	return nil
}

func (s *Service) dispatch(msgs ...notify.Message) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(msgs...)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event", eventType),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err),
		)
	}
}

func visitOf(p *Provider, c *Client, a *Appointment) notify.Visit {
	return notify.Visit{
		Provider: notify.Party{Name: p.Name, Email: p.Email},
		Client:   notify.Party{Name: c.Name, Email: c.Email},
		Date:     a.Day(),
		From:     a.Slot.From.String(),
		To:       a.Slot.To.String(),
	}
}
