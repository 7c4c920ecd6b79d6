package appointment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/reminder"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

// memRepo keeps the same guarantees as the Postgres schema: one active
// appointment per provider slot, and conditional updates.
type memRepo struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]Provider
	clients      map[uuid.UUID]Client
	appointments map[uuid.UUID]Appointment
	events       []EventLog

	failFinalize int // FinalizeCancellation fails this many times
}

func newMemRepo() *memRepo {
	return &memRepo{
		providers:    map[uuid.UUID]Provider{},
		clients:      map[uuid.UUID]Client{},
		appointments: map[uuid.UUID]Appointment{},
	}
}

var errDatabaseDown = errors.New("database unavailable")

func (r *memRepo) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *memRepo) GetClient(_ context.Context, id uuid.UUID) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return &c, nil
}

func (r *memRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) ListActiveAppointments(_ context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := date.Format(schedule.DateLayout)
	var out []Appointment
	for _, a := range r.appointments {
		if a.ProviderID == providerID && a.Day() == day && a.Status != StatusCancelled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.appointments {
		if existing.Status != StatusCancelled &&
			existing.ProviderID == a.ProviderID &&
			existing.Day() == a.Day() &&
			existing.Slot == a.Slot {
			return nil, ErrSlotTaken
		}
	}
	created := *a
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	r.appointments[created.ID] = created
	return &created, nil
}

func (r *memRepo) update(id uuid.UUID, guard func(Appointment) bool, apply func(*Appointment)) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || !guard(a) {
		return nil, ErrAppointmentNotFound
	}
	apply(&a)
	r.appointments[id] = a
	return &a, nil
}

func (r *memRepo) TransitionStatus(_ context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error) {
	return r.update(id,
		func(a Appointment) bool { return a.Status == from },
		func(a *Appointment) {
			a.Status = to
			switch to {
			case StatusCompleted:
				a.CompletedAt = &at
			case StatusCancelled:
				a.CancelledAt = &at
			}
		})
}

func (r *memRepo) MarkPaid(_ context.Context, id uuid.UUID, reference string) (*Appointment, error) {
	return r.update(id,
		func(a Appointment) bool { return a.Status == StatusPending },
		func(a *Appointment) {
			a.Status = StatusConfirmed
			a.PaymentStatus = PaymentPaid
			a.PaymentReference = &reference
			a.ExpiresAt = nil
		})
}

func (r *memRepo) MarkPaymentFailed(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return r.update(id,
		func(a Appointment) bool { return a.Status == StatusPending && a.PaymentStatus == PaymentPending },
		func(a *Appointment) { a.PaymentStatus = PaymentFailed })
}

func (r *memRepo) SetCheckout(_ context.Context, id uuid.UUID, checkoutID string) error {
	_, err := r.update(id,
		func(Appointment) bool { return true },
		func(a *Appointment) { a.CheckoutID = &checkoutID })
	return err
}

func (r *memRepo) FinalizeCancellation(ctx context.Context, id uuid.UUID, from Status, p PaymentStatus, at time.Time) (*Appointment, error) {
	// pgx refuses to run on a finished context
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.failFinalize > 0 {
		r.failFinalize--
		r.mu.Unlock()
		return nil, errDatabaseDown
	}
	r.mu.Unlock()

	return r.update(id,
		func(a Appointment) bool { return a.Status == from },
		func(a *Appointment) {
			a.Status = StatusCancelled
			a.PaymentStatus = p
			a.CancelledAt = &at
			a.ExpiresAt = nil
		})
}

func (r *memRepo) SetPrescribed(_ context.Context, id uuid.UUID) error {
	_, err := r.update(id,
		func(Appointment) bool { return true },
		func(a *Appointment) { a.IsPrescribed = true })
	return err
}

func (r *memRepo) FindExpiredPending(_ context.Context, now time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusPending && a.PaymentStatus != PaymentPaid && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) FindFinishedConfirmed(_ context.Context, now time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusConfirmed && !a.EndsAt.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) eventTypes(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == id {
			out = append(out, ev.EventType)
		}
	}
	return out
}

func (r *memRepo) put(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.ID] = a
}

var _ Repository = (*memRepo)(nil)

// memLocker behaves like the Redis SetNX lock.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

// ttlLocker bounds the callback context by the lock TTL, as the Redis
// locker does.
type ttlLocker struct {
	*memLocker
	ttl time.Duration
}

func (l *ttlLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.memLocker.WithSlotLock(ctx, key, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.ttl)
		defer cancel()
		return fn(ctx)
	})
}

// openLocker never refuses, leaving races to the repository.
type openLocker struct{}

func (openLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.Checkout, error) {
	args := m.Called(ctx, req)
	if c, ok := args.Get(0).(*payment.Checkout); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) LookupPayment(ctx context.Context, reference string) (*payment.PaymentEvent, error) {
	args := m.Called(ctx, reference)
	if ev, ok := args.Get(0).(*payment.PaymentEvent); ok {
		return ev, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, reference string) (*payment.RefundResult, error) {
	args := m.Called(ctx, reference)
	if r, ok := args.Get(0).(*payment.RefundResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type fakeReminders struct {
	mu        sync.Mutex
	scheduled []reminder.AppointmentReminder
	cancelled []uuid.UUID
	err       error
	cancelErr error
}

func (f *fakeReminders) CancelAppointmentReminders(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return 0, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return 2, nil
}

func (f *fakeReminders) cancelledIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.cancelled...)
}

func (f *fakeReminders) ScheduleAppointmentReminders(_ context.Context, r reminder.AppointmentReminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, r)
	return nil
}

func (f *fakeReminders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (f *fakeNotifier) Dispatch(msgs ...notify.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgs...)
}

func (f *fakeNotifier) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Subject)
	}
	return out
}
