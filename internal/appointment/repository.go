package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrClientNotFound      = errors.New("client not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotTaken           = errors.New("slot already has an active appointment")
)

// Repository contains all DB interactions needed by the service.
//
// Conditional updates return ErrAppointmentNotFound when the row is missing
// or no longer in the expected state.
type Repository interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetClient(ctx context.Context, id uuid.UUID) (*Client, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Non-cancelled appointments of a provider on one day.
	ListActiveAppointments(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error)

	// CreateAppointment returns ErrSlotTaken when another non-cancelled
	// appointment holds the same provider, date and slot.
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error)

	// MarkPaid moves a pending appointment to confirmed and paid.
	MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*Appointment, error)
	MarkPaymentFailed(ctx context.Context, id uuid.UUID) (*Appointment, error)
	SetCheckout(ctx context.Context, id uuid.UUID, checkoutID string) error
	FinalizeCancellation(ctx context.Context, id uuid.UUID, from Status, payment PaymentStatus, at time.Time) (*Appointment, error)
	SetPrescribed(ctx context.Context, id uuid.UUID) error

	// Lifecycle worker
	FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error)
	FindFinishedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
