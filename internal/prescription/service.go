package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/reminder"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const maxDurationDays = 365

var (
	ErrForbidden       = errors.New("only the appointment's provider can prescribe")
	ErrNotPrescribable = errors.New("appointment must be confirmed or completed to prescribe")
)

// Appointments is what issuing a prescription needs from the booking side.
type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetClient(ctx context.Context, id uuid.UUID) (*appointment.Client, error)
	MarkPrescribed(ctx context.Context, id, prescriptionID uuid.UUID) error
}

type MedicationScheduler interface {
	ScheduleMedicationReminders(ctx context.Context, plan reminder.MedicationPlan) (int, error)
}

type Service struct {
	repo         Repository
	appointments Appointments
	reminders    MedicationScheduler
	clock        clock.Clock
	log          *zap.Logger
	loc          *time.Location
}

func NewService(repo Repository, appointments Appointments, reminders MedicationScheduler, clk clock.Clock, log *zap.Logger, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:         repo,
		appointments: appointments,
		reminders:    reminders,
		clock:        clk,
		log:          log,
		loc:          loc,
	}
}

type IssueRequest struct {
	AppointmentID uuid.UUID
	ProviderID    uuid.UUID
	StartDate     string // YYYY-MM-DD, defaults to today
	Medications   []Medication
	Notes         string
}

func (r IssueRequest) validate() error {
	if r.ProviderID == uuid.Nil {
		return &appointment.ValidationError{Field: "provider_id", Reason: "is required"}
	}
	if len(r.Medications) == 0 {
		return &appointment.ValidationError{Field: "medications", Reason: "at least one medication is required"}
	}
	for i, m := range r.Medications {
		field := fmt.Sprintf("medications[%d]", i)
		if strings.TrimSpace(m.Name) == "" {
			return &appointment.ValidationError{Field: field + ".name", Reason: "is required"}
		}
		if len(m.Times) == 0 {
			return &appointment.ValidationError{Field: field + ".times", Reason: "at least one daily time is required"}
		}
		for _, t := range m.Times {
			if _, err := schedule.ParseMinute(t); err != nil {
				return &appointment.ValidationError{Field: field + ".times", Reason: err.Error()}
			}
		}
		if m.DurationDays < 1 || m.DurationDays > maxDurationDays {
			return &appointment.ValidationError{Field: field + ".duration_days", Reason: fmt.Sprintf("must be between 1 and %d", maxDurationDays)}
		}
	}
	return nil
}

// Issue records a prescription for a confirmed or completed appointment and
// schedules a reminder ahead of every dose. Reminder scheduling is
// best-effort.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Prescription, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	start := schedule.Today(s.clock.Now(), s.loc)
	if req.StartDate != "" {
		d, err := schedule.ParseDate(req.StartDate, s.loc)
		if err != nil {
			return nil, &appointment.ValidationError{Field: "start_date", Reason: err.Error()}
		}
		if d.Before(start) {
			return nil, &appointment.ValidationError{Field: "start_date", Reason: "is in the past"}
		}
		start = d
	}

	appt, err := s.appointments.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if appt.ProviderID != req.ProviderID {
		return nil, ErrForbidden
	}
	if appt.Status != appointment.StatusConfirmed && appt.Status != appointment.StatusCompleted {
		return nil, fmt.Errorf("%w: appointment is %s", ErrNotPrescribable, appt.Status)
	}

	p := &Prescription{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		ClientID:      appt.ClientID,
		StartDate:     start,
		Medications:   req.Medications,
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		p.Notes = &notes
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := s.appointments.MarkPrescribed(ctx, appt.ID, created.ID); err != nil {
		s.log.Warn("prescription saved but appointment not flagged",
			zap.Stringer("appointment_id", appt.ID),
			zap.Stringer("prescription_id", created.ID),
			zap.Error(err),
		)
	}

	s.scheduleReminders(ctx, created)
	return created, nil
}

// ForAppointment lists the prescriptions issued for an appointment, oldest
// first.
func (s *Service) ForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Prescription, error) {
	if _, err := s.appointments.GetAppointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	return s.repo.ListByAppointment(ctx, appointmentID)
}

func (s *Service) scheduleReminders(ctx context.Context, p *Prescription) {
	if s.reminders == nil {
		return
	}

	client, err := s.appointments.GetClient(ctx, p.ClientID)
	if err != nil {
		s.log.Warn("medication reminders not scheduled", zap.Stringer("prescription_id", p.ID), zap.Error(err))
		return
	}

	plan := reminder.MedicationPlan{
		PrescriptionID: p.ID,
		Patient:        notify.Party{Name: client.Name, Email: client.Email},
		StartDate:      schedule.CivilDay(p.StartDate, s.loc),
		Medications:    make([]reminder.Medication, 0, len(p.Medications)),
	}
	for _, m := range p.Medications {
		plan.Medications = append(plan.Medications, reminder.Medication{
			Name:         m.Name,
			Dosage:       m.Dosage,
			Times:        m.Times,
			DurationDays: m.DurationDays,
		})
	}

	n, err := s.reminders.ScheduleMedicationReminders(ctx, plan)
	if err != nil {
		s.log.Warn("medication reminders partly scheduled",
			zap.Stringer("prescription_id", p.ID),
			zap.Int("scheduled", n),
			zap.Error(err),
		)
		return
	}
	s.log.Info("prescription issued",
		zap.Stringer("prescription_id", p.ID),
		zap.Stringer("appointment_id", p.AppointmentID),
		zap.Int("reminders", n),
	)
}
