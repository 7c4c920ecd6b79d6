package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/clock"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/payment"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/retry"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

// Monday 2026-10-19 08:00 UTC
var monday8am = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	repo      *memRepo
	gateway   *mockGateway
	reminders *fakeReminders
	notifier  *fakeNotifier
	clock     *clock.Fixed
	provider  Provider
	client    Client
}

func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()

	f := &fixture{
		repo:      newMemRepo(),
		gateway:   &mockGateway{},
		reminders: &fakeReminders{},
		notifier:  &fakeNotifier{},
		clock:     clock.NewFixed(monday8am),
	}
	if locker == nil {
		locker = newMemLocker()
	}

	morning := func(d time.Weekday) schedule.WeeklyEntry {
		return schedule.WeeklyEntry{Weekday: d, From: 9 * 60, To: 12 * 60}
	}
	f.provider = Provider{
		ID:                  uuid.New(),
		Name:                "Dr. Helena Reis",
		Email:               "reis@example.com",
		ConsultationMinutes: 60,
		FeeCents:            15000,
		Schedule: schedule.WeeklySchedule{
			morning(time.Monday), morning(time.Tuesday), morning(time.Wednesday), morning(time.Thursday),
		},
	}
	f.client = Client{ID: uuid.New(), Name: "Ana Souza", Email: "ana@example.com"}
	f.repo.providers[f.provider.ID] = f.provider
	f.repo.clients[f.client.ID] = f.client

	cfg := config.Config{
		Location:             time.UTC,
		BookingLeadTime:      24 * time.Hour,
		CancellationLeadTime: 24 * time.Hour,
		PaymentTTL:           30 * time.Minute,
	}
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Locker:    locker,
		Gateway:   f.gateway,
		Reminders: f.reminders,
		Notifier:  f.notifier,
		Clock:     f.clock,
		Log:       zap.NewNop(),
	}, cfg)
	f.svc.cancellation.persist = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}

	return f
}

func (f *fixture) request(date, from, to string) BookRequest {
	return BookRequest{ProviderID: f.provider.ID, ClientID: f.client.ID, Date: date, From: from, To: to}
}

func (f *fixture) book(t *testing.T, date, from, to string) *Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), f.request(date, from, to))
	require.NoError(t, err)
	return appt
}

func (f *fixture) confirm(t *testing.T, appt *Appointment) *Appointment {
	t.Helper()
	confirmed, err := f.svc.ConfirmPayment(context.Background(), appt.ID, "1001")
	require.NoError(t, err)
	return confirmed
}

func TestBook_CreatesPendingAppointment(t *testing.T) {
	f := newFixture(t, nil)

	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, PaymentPending, appt.PaymentStatus)
	assert.Equal(t, time.Wednesday, appt.Weekday)
	assert.Equal(t, time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC), appt.StartsAt)
	assert.Equal(t, time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC), appt.EndsAt)
	require.NotNil(t, appt.ExpiresAt)
	assert.Equal(t, monday8am.Add(30*time.Minute), *appt.ExpiresAt)

	assert.Equal(t, []string{EventAppointmentCreated}, f.repo.eventTypes(appt.ID))
	assert.Len(t, f.notifier.sent, 2, "both parties hear about the booking")
}

func TestBook_LeadTimeViolation(t *testing.T) {
	f := newFixture(t, nil)
	// Monday 23:00: Tuesday 09:00 is 10 hours away
	f.clock.Set(time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC))

	_, err := f.svc.Book(context.Background(), f.request("2026-10-20", "09:00", "09:59"))
	assert.ErrorIs(t, err, ErrLeadTimeViolation)
	assert.Empty(t, f.repo.appointments)
	assert.Empty(t, f.notifier.sent)
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		req   BookRequest
		field string
	}{
		{"missing provider", BookRequest{ClientID: f.client.ID, Date: "2026-10-21", From: "09:00", To: "09:59"}, "provider_id"},
		{"missing client", BookRequest{ProviderID: f.provider.ID, Date: "2026-10-21", From: "09:00", To: "09:59"}, "client_id"},
		{"bad date", f.request("21/10/2026", "09:00", "09:59"), "date"},
		{"missing slot", f.request("2026-10-21", "", ""), "slot"},
		{"bad time", f.request("2026-10-21", "9am", "09:59"), "slot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tt.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestBook_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	req := f.request("2026-10-21", "09:00", "09:59")
	req.ProviderID = uuid.New()
	_, err := f.svc.Book(context.Background(), req)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	req = f.request("2026-10-21", "09:00", "09:59")
	req.ClientID = uuid.New()
	_, err = f.svc.Book(context.Background(), req)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestBook_PastDate(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Book(context.Background(), f.request("2026-10-12", "09:00", "09:59"))
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestBook_OnlyOfferedSlots(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name     string
		date     string
		from, to string
	}{
		{"misaligned start", "2026-10-21", "09:30", "10:29"},
		{"wrong length", "2026-10-21", "09:00", "09:29"},
		{"outside window", "2026-10-21", "12:00", "12:59"},
		{"no schedule that day", "2026-10-24", "09:00", "09:59"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), f.request(tt.date, tt.from, tt.to))
			assert.ErrorIs(t, err, ErrSlotUnavailable)
		})
	}
}

func TestBook_TakenSlotConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.book(t, "2026-10-21", "09:00", "09:59")

	_, err := f.svc.Book(context.Background(), f.request("2026-10-21", "09:00", "09:59"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	f.book(t, "2026-10-21", "10:00", "10:59")
}

func TestBook_ConcurrentRequestsForSameSlot(t *testing.T) {
	lockers := map[string]redisclient.Locker{
		"slot lock":    newMemLocker(),
		"unique index": openLocker{},
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, locker)
			const n = 25

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				conflicts int
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.svc.Book(context.Background(), f.request("2026-10-21", "11:00", "11:59"))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						succeeded++
					case errors.Is(err, ErrSlotUnavailable):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, succeeded)
			assert.Equal(t, n-1, conflicts)

			active, err := f.repo.ListActiveAppointments(context.Background(), f.provider.ID, time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Len(t, active, 1)
		})
	}
}

func TestGetAvailableSlots(t *testing.T) {
	f := newFixture(t, nil)
	f.book(t, "2026-10-21", "10:00", "10:59")

	avail, err := f.svc.GetAvailableSlots(context.Background(), f.provider.ID, "2026-10-21")
	require.NoError(t, err)

	var keys []string
	for _, s := range avail.Available {
		keys = append(keys, s.Key())
	}
	assert.Equal(t, []string{"09:00-09:59", "11:00-11:59"}, keys)
	assert.Len(t, avail.Slots, 3)

	_, err = f.svc.GetAvailableSlots(context.Background(), f.provider.ID, "2026-10-24")
	assert.ErrorIs(t, err, ErrNoScheduleForDay)

	_, err = f.svc.GetAvailableSlots(context.Background(), f.provider.ID, "yesterday")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.GetAvailableSlots(context.Background(), uuid.New(), "2026-10-21")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestConfirmPayment_SchedulesRemindersOnce(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	confirmed := f.confirm(t, appt)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, PaymentPaid, confirmed.PaymentStatus)
	assert.Equal(t, "1001", confirmed.Reference())
	assert.Nil(t, confirmed.ExpiresAt)

	require.Equal(t, 1, f.reminders.count())
	r := f.reminders.scheduled[0]
	assert.Equal(t, appt.ID, r.AppointmentID)
	assert.Equal(t, appt.StartsAt, r.StartsAt)
	assert.Equal(t, "ana@example.com", r.Visit.Client.Email)
	assert.Equal(t, "09:00", r.Visit.From)

	again, err := f.svc.ConfirmPayment(context.Background(), appt.ID, "1001")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, again.Status)
	assert.Equal(t, 1, f.reminders.count(), "re-confirmation is a no-op")
}

func TestConfirmPayment_ReminderFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, nil)
	f.reminders.err = errors.New("redis down")
	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	confirmed, err := f.svc.ConfirmPayment(context.Background(), appt.ID, "1001")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
}

func TestConfirmPayment_TerminalAppointment(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.book(t, "2026-10-21", "09:00", "09:59")
	_, err := f.svc.Cancel(context.Background(), appt.ID, f.client.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(context.Background(), appt.ID, "1001")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Contains(t, f.repo.eventTypes(appt.ID), EventPaymentAfterTerminal)
	assert.Zero(t, f.reminders.count())
}

func TestMarkPaymentFailed_KeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	updated, err := f.svc.MarkPaymentFailed(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
	assert.Equal(t, PaymentFailed, updated.PaymentStatus)
}

func TestHandlePaymentWebhook(t *testing.T) {
	f := newFixture(t, nil)
	approved := f.book(t, "2026-10-21", "09:00", "09:59")
	rejected := f.book(t, "2026-10-21", "10:00", "10:59")

	f.gateway.On("LookupPayment", mock.Anything, "555").Return(&payment.PaymentEvent{
		Reference: "555", AppointmentID: approved.ID, Status: payment.StatusApproved,
	}, nil)
	f.gateway.On("LookupPayment", mock.Anything, "556").Return(&payment.PaymentEvent{
		Reference: "556", AppointmentID: rejected.ID, Status: payment.StatusRejected,
	}, nil)
	f.gateway.On("LookupPayment", mock.Anything, "999").Return(nil, payment.ErrUnknownPayment)

	notification := func(id string) payment.Notification {
		var n payment.Notification
		n.Type = "payment"
		n.Data.ID = id
		return n
	}

	require.NoError(t, f.svc.HandlePaymentWebhook(context.Background(), notification("555")))
	require.NoError(t, f.svc.HandlePaymentWebhook(context.Background(), notification("556")))
	require.NoError(t, f.svc.HandlePaymentWebhook(context.Background(), notification("999")))

	got, _ := f.repo.GetAppointment(context.Background(), approved.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "555", got.Reference())

	got, _ = f.repo.GetAppointment(context.Background(), rejected.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PaymentFailed, got.PaymentStatus)

	// duplicate delivery of the approval
	require.NoError(t, f.svc.HandlePaymentWebhook(context.Background(), notification("555")))
	assert.Equal(t, 1, f.reminders.count())

	// not a payment notification: the gateway is not asked
	var other payment.Notification
	other.Type = "merchant_order"
	other.Data.ID = "1"
	require.NoError(t, f.svc.HandlePaymentWebhook(context.Background(), other))
	f.gateway.AssertNotCalled(t, "LookupPayment", mock.Anything, "1")
}

func TestHandlePaymentWebhook_GatewayDown(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.On("LookupPayment", mock.Anything, "1").Return(nil, payment.ErrUnavailable)

	var n payment.Notification
	n.Type = "payment"
	n.Data.ID = "1"
	err := f.svc.HandlePaymentWebhook(context.Background(), n)
	assert.ErrorIs(t, err, ErrPaymentGateway)
}

func TestCheckout(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	f.gateway.On("CreateCheckout", mock.Anything, mock.MatchedBy(func(req payment.CheckoutRequest) bool {
		return req.AppointmentID == appt.ID && req.AmountCents == 15000 && req.PayerEmail == "ana@example.com"
	})).Return(&payment.Checkout{ID: "pref-1", RedirectURL: "https://pay.example.com/pref-1"}, nil).Once()

	_, err := f.svc.Checkout(context.Background(), appt.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)

	checkout, err := f.svc.Checkout(context.Background(), appt.ID, f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/pref-1", checkout.RedirectURL)

	stored, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NotNil(t, stored.CheckoutID)
	assert.Equal(t, "pref-1", *stored.CheckoutID)

	f.confirm(t, appt)
	_, err = f.svc.Checkout(context.Background(), appt.ID, f.client.ID)
	assert.ErrorIs(t, err, ErrNotPayable)
	f.gateway.AssertExpectations(t)
}

func TestComplete(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.book(t, "2026-10-21", "09:00", "09:59")

	_, err := f.svc.Complete(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending appointments cannot complete")

	f.confirm(t, appt)
	done, err := f.svc.Complete(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	_, err = f.svc.Complete(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestExpirePendingAppointments_ReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	unpaid := f.book(t, "2026-10-21", "09:00", "09:59")
	paid := f.confirm(t, f.book(t, "2026-10-21", "10:00", "10:59"))

	f.clock.Advance(31 * time.Minute)
	n, err := f.svc.ExpirePendingAppointments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.repo.GetAppointment(context.Background(), unpaid.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, PaymentPending, got.PaymentStatus)
	assert.Contains(t, f.repo.eventTypes(unpaid.ID), EventAppointmentExpired)

	got, _ = f.repo.GetAppointment(context.Background(), paid.ID)
	assert.Equal(t, StatusConfirmed, got.Status)

	f.book(t, "2026-10-21", "09:00", "09:59")
}

func TestCompleteFinishedAppointments(t *testing.T) {
	f := newFixture(t, nil)
	early := f.confirm(t, f.book(t, "2026-10-21", "09:00", "09:59"))
	late := f.confirm(t, f.book(t, "2026-10-21", "11:00", "11:59"))

	f.clock.Set(time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC))
	n, err := f.svc.CompleteFinishedAppointments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.repo.GetAppointment(context.Background(), early.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = f.repo.GetAppointment(context.Background(), late.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusConfirmed))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusPending.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusConfirmed.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusConfirmed.CanTransitionTo(StatusCancelled))

	for _, terminal := range []Status{StatusCancelled, StatusCompleted} {
		assert.True(t, terminal.Terminal())
		for _, to := range []Status{StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted} {
			assert.False(t, terminal.CanTransitionTo(to))
		}
	}
}
