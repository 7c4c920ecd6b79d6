package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/reminder"
)

type memRepo struct {
	created []Prescription
}

func (r *memRepo) Create(_ context.Context, p *Prescription) (*Prescription, error) {
	out := *p
	out.CreatedAt = time.Now()
	r.created = append(r.created, out)
	return &out, nil
}

func (r *memRepo) ListByAppointment(_ context.Context, id uuid.UUID) ([]Prescription, error) {
	var out []Prescription
	for _, p := range r.created {
		if p.AppointmentID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockAppointments struct {
	mock.Mock
}

func (m *mockAppointments) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, id)
	if a, ok := args.Get(0).(*appointment.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAppointments) GetClient(ctx context.Context, id uuid.UUID) (*appointment.Client, error) {
	args := m.Called(ctx, id)
	if c, ok := args.Get(0).(*appointment.Client); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAppointments) MarkPrescribed(ctx context.Context, id, prescriptionID uuid.UUID) error {
	return m.Called(ctx, id, prescriptionID).Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleMedicationReminders(ctx context.Context, plan reminder.MedicationPlan) (int, error) {
	args := m.Called(ctx, plan)
	return args.Int(0), args.Error(1)
}

var now = time.Date(2026, 10, 21, 10, 30, 0, 0, time.UTC)

func setup(status appointment.Status) (*Service, *memRepo, *mockAppointments, *mockScheduler, *appointment.Appointment) {
	appt := &appointment.Appointment{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		ClientID:   uuid.New(),
		Status:     status,
	}

	repo := &memRepo{}
	appts := &mockAppointments{}
	appts.On("GetAppointment", mock.Anything, appt.ID).Return(appt, nil)
	appts.On("GetAppointment", mock.Anything, mock.Anything).Return(nil, appointment.ErrAppointmentNotFound)
	appts.On("GetClient", mock.Anything, appt.ClientID).Return(&appointment.Client{ID: appt.ClientID, Name: "Ana", Email: "ana@example.com"}, nil)
	appts.On("MarkPrescribed", mock.Anything, appt.ID, mock.Anything).Return(nil)

	sched := &mockScheduler{}
	svc := NewService(repo, appts, sched, clock.NewFixed(now), zap.NewNop(), time.UTC)
	return svc, repo, appts, sched, appt
}

func amoxicillin() []Medication {
	return []Medication{{Name: "Amoxicillin", Dosage: "500mg", Times: []string{"08:00", "20:00"}, DurationDays: 7}}
}

func TestIssue_SchedulesDoseReminders(t *testing.T) {
	svc, repo, appts, sched, appt := setup(appointment.StatusConfirmed)
	sched.On("ScheduleMedicationReminders", mock.Anything, mock.MatchedBy(func(p reminder.MedicationPlan) bool {
		return p.Patient.Email == "ana@example.com" &&
			p.StartDate.Equal(time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC)) &&
			len(p.Medications) == 1 && p.Medications[0].DurationDays == 7
	})).Return(13, nil)

	p, err := svc.Issue(context.Background(), IssueRequest{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		Medications:   amoxicillin(),
		Notes:         "after meals",
	})
	require.NoError(t, err)

	assert.Equal(t, appt.ClientID, p.ClientID)
	require.NotNil(t, p.Notes)
	assert.Equal(t, "after meals", *p.Notes)
	assert.Len(t, repo.created, 1)
	appts.AssertCalled(t, "MarkPrescribed", mock.Anything, appt.ID, p.ID)
	sched.AssertExpectations(t)
}

func TestIssue_ReminderFailureIsNotFatal(t *testing.T) {
	svc, repo, _, sched, appt := setup(appointment.StatusCompleted)
	sched.On("ScheduleMedicationReminders", mock.Anything, mock.Anything).Return(0, errors.New("redis down"))

	_, err := svc.Issue(context.Background(), IssueRequest{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		Medications:   amoxicillin(),
	})
	require.NoError(t, err)
	assert.Len(t, repo.created, 1)
}

func TestIssue_Rules(t *testing.T) {
	t.Run("other provider", func(t *testing.T) {
		svc, _, _, _, appt := setup(appointment.StatusConfirmed)
		_, err := svc.Issue(context.Background(), IssueRequest{AppointmentID: appt.ID, ProviderID: uuid.New(), Medications: amoxicillin()})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	for _, status := range []appointment.Status{appointment.StatusPending, appointment.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, _, _, appt := setup(status)
			_, err := svc.Issue(context.Background(), IssueRequest{AppointmentID: appt.ID, ProviderID: appt.ProviderID, Medications: amoxicillin()})
			assert.ErrorIs(t, err, ErrNotPrescribable)
			assert.Empty(t, repo.created)
		})
	}

	t.Run("unknown appointment", func(t *testing.T) {
		svc, _, _, _, _ := setup(appointment.StatusConfirmed)
		_, err := svc.Issue(context.Background(), IssueRequest{AppointmentID: uuid.New(), ProviderID: uuid.New(), Medications: amoxicillin()})
		assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
	})
}

func TestIssue_Validation(t *testing.T) {
	svc, _, _, _, appt := setup(appointment.StatusConfirmed)

	tests := []struct {
		name  string
		req   IssueRequest
		field string
	}{
		{"no medications", IssueRequest{ProviderID: appt.ProviderID}, "medications"},
		{"no name", IssueRequest{ProviderID: appt.ProviderID, Medications: []Medication{{Times: []string{"08:00"}, DurationDays: 1}}}, "medications[0].name"},
		{"no times", IssueRequest{ProviderID: appt.ProviderID, Medications: []Medication{{Name: "x", DurationDays: 1}}}, "medications[0].times"},
		{"bad time", IssueRequest{ProviderID: appt.ProviderID, Medications: []Medication{{Name: "x", Times: []string{"25:00"}, DurationDays: 1}}}, "medications[0].times"},
		{"zero days", IssueRequest{ProviderID: appt.ProviderID, Medications: []Medication{{Name: "x", Times: []string{"08:00"}}}}, "medications[0].duration_days"},
		{"past start", IssueRequest{ProviderID: appt.ProviderID, StartDate: "2026-10-01", Medications: amoxicillin()}, "start_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.AppointmentID = appt.ID
			_, err := svc.Issue(context.Background(), tt.req)
			var verr *appointment.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestForAppointment(t *testing.T) {
	svc, _, _, sched, appt := setup(appointment.StatusConfirmed)
	sched.On("ScheduleMedicationReminders", mock.Anything, mock.Anything).Return(2, nil)

	for i := 0; i < 2; i++ {
		_, err := svc.Issue(context.Background(), IssueRequest{AppointmentID: appt.ID, ProviderID: appt.ProviderID, Medications: amoxicillin()})
		require.NoError(t, err)
	}

	list, err := svc.ForAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.ForAppointment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}
