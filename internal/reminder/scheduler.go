package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type Options struct {
	MaxAttempts       int
	AppointmentOffset time.Duration
	MedicationOffset  time.Duration
	Location          *time.Location
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.AppointmentOffset <= 0 {
		o.AppointmentOffset = 12 * time.Hour
	}
	if o.MedicationOffset <= 0 {
		o.MedicationOffset = 10 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

type Scheduler struct {
	store   Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Collector
	opts    Options
}

func NewScheduler(store Store, clk clock.Clock, log *zap.Logger, m *metrics.Collector, opts Options) *Scheduler {
	return &Scheduler{
		store:   store,
		clock:   clk,
		log:     log,
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Schedule enqueues a one-off message for recipient at fireAt and returns
// the job id.
func (s *Scheduler) Schedule(ctx context.Context, recipient, subject, body string, fireAt time.Time) (string, error) {
	job := Job{
		ID:        uuid.NewString(),
		Kind:      KindGeneric,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		FireAt:    fireAt,
	}
	if _, err := s.enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Scheduler) enqueue(ctx context.Context, job Job) (bool, error) {
	if job.Recipient == "" {
		return false, ErrNoRecipient
	}

	now := s.clock.Now()
	if !job.FireAt.After(now) {
		return false, fmt.Errorf("%w: %s at %s", ErrFireTimeInPast, job.ID, job.FireAt.Format(time.RFC3339))
	}

	job.MaxAttempts = s.opts.MaxAttempts
	job.CreatedAt = now

	added, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return false, err
	}
	if added {
		s.metrics.ReminderScheduled(string(job.Kind))
	}
	return added, nil
}

// AppointmentReminder describes a confirmed appointment whose two parties
// get one reminder each.
type AppointmentReminder struct {
	AppointmentID uuid.UUID
	StartsAt      time.Time
	Visit         notify.Visit
}

// ScheduleAppointmentReminders enqueues the client and provider reminders
// at StartsAt minus the appointment offset. Job ids are derived from the
// appointment, so calling it twice does not duplicate reminders.
func (s *Scheduler) ScheduleAppointmentReminders(ctx context.Context, r AppointmentReminder) error {
	fireAt := r.StartsAt.Add(-s.opts.AppointmentOffset)

	parties := []struct {
		role        string
		recipient   notify.Party
		counterpart notify.Party
	}{
		{roleClient, r.Visit.Client, r.Visit.Provider},
		{roleProvider, r.Visit.Provider, r.Visit.Client},
	}

	for _, p := range parties {
		msg := notify.AppointmentReminder(r.Visit, p.recipient, p.counterpart)
		job := Job{
			ID:        appointmentJobID(r.AppointmentID, p.role),
			Kind:      KindAppointment,
			Recipient: msg.To,
			Subject:   msg.Subject,
			Body:      msg.Body,
			FireAt:    fireAt,
		}
		if _, err := s.enqueue(ctx, job); err != nil {
			return fmt.Errorf("schedule %s reminder: %w", p.role, err)
		}
	}
	return nil
}

// CancelAppointmentReminders drops the pending reminders of an appointment
// and returns how many were still queued.
func (s *Scheduler) CancelAppointmentReminders(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	n, err := s.store.Remove(ctx,
		appointmentJobID(appointmentID, roleClient),
		appointmentJobID(appointmentID, roleProvider),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders of %s: %w", appointmentID, err)
	}
	return n, nil
}

const (
	roleClient   = "client"
	roleProvider = "provider"
)

func appointmentJobID(appointmentID uuid.UUID, role string) string {
	return fmt.Sprintf("appt:%s:%s", appointmentID, role)
}

type Medication struct {
	Name         string
	Dosage       string
	Times        []string // HH:MM, daily
	DurationDays int
}

type MedicationPlan struct {
	PrescriptionID uuid.UUID
	Patient        notify.Party
	StartDate      time.Time // calendar day of the first dose
	Medications    []Medication
}

type Dose struct {
	MedicationIndex int
	Medication      Medication
	Time            string
	At              time.Time
}

// ExpandDoses lists every dose of the plan in order of medication, day and
// daily time.
func ExpandDoses(plan MedicationPlan, loc *time.Location) ([]Dose, error) {
	var doses []Dose
	for i, med := range plan.Medications {
		minutes := make([]schedule.Minute, len(med.Times))
		for j, t := range med.Times {
			m, err := schedule.ParseMinute(t)
			if err != nil {
				return nil, fmt.Errorf("medication %q: %w", med.Name, err)
			}
			minutes[j] = m
		}

		for day := 0; day < med.DurationDays; day++ {
			date := schedule.CivilDay(plan.StartDate, loc).AddDate(0, 0, day)
			for j, m := range minutes {
				doses = append(doses, Dose{
					MedicationIndex: i,
					Medication:      med,
					Time:            med.Times[j],
					At:              schedule.StartOf(date, m, loc),
				})
			}
		}
	}
	return doses, nil
}

// ScheduleMedicationReminders enqueues one reminder per dose, ahead of the
// dose by the medication offset. Doses whose reminder time already passed
// are skipped. It returns how many jobs were added.
func (s *Scheduler) ScheduleMedicationReminders(ctx context.Context, plan MedicationPlan) (int, error) {
	doses, err := ExpandDoses(plan, s.opts.Location)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	added := 0
	for _, d := range doses {
		fireAt := d.At.Add(-s.opts.MedicationOffset)
		if !fireAt.After(now) {
			continue
		}

		msg := notify.MedicationReminder(plan.Patient, d.Medication.Name, d.Medication.Dosage, d.Time)
		job := Job{
			ID:        fmt.Sprintf("rx:%s:%d:%s", plan.PrescriptionID, d.MedicationIndex, d.At.Format("200601021504")),
			Kind:      KindMedication,
			Recipient: msg.To,
			Subject:   msg.Subject,
			Body:      msg.Body,
			FireAt:    fireAt,
		}
		ok, err := s.enqueue(ctx, job)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}

	s.log.Debug("medication reminders scheduled",
		zap.Stringer("prescription_id", plan.PrescriptionID),
		zap.Int("doses", len(doses)),
		zap.Int("added", added),
	)
	return added, nil
}

func (s *Scheduler) Failed(ctx context.Context, limit int) ([]Job, error) {
	return s.store.Failed(ctx, limit)
}
