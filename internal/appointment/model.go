package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/schedule"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// Terminal statuses accept no further transition.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentStatus is tracked separately from Status. Valid pairs:
//
//	pending   + pending|failed
//	confirmed + paid
//	completed + paid
//	cancelled + pending|failed|refunded
//
// cancelled + paid only exists if a refund was issued and the cancellation
// could not be written afterwards.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type Provider struct {
	ID                  uuid.UUID
	Name                string
	Email               string
	ConsultationMinutes int
	FeeCents            int64
	Schedule            schedule.WeeklySchedule
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (p *Provider) SlotMinutes() int {
	if p.ConsultationMinutes <= 0 {
		return schedule.DefaultSlotMinutes
	}
	return p.ConsultationMinutes
}

type Client struct {
	ID        uuid.UUID
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appointment keeps a snapshot of the slot it was booked for, so later
// schedule edits do not touch existing bookings.
type Appointment struct {
	ID               uuid.UUID
	ProviderID       uuid.UUID
	ClientID         uuid.UUID
	Date             time.Time // calendar day, midnight
	Weekday          time.Weekday
	Slot             schedule.Slot
	StartsAt         time.Time
	EndsAt           time.Time
	Status           Status
	PaymentStatus    PaymentStatus
	PaymentReference *string
	CheckoutID       *string
	IsPrescribed     bool
	Notes            *string
	ExpiresAt        *time.Time
	CancelledAt      *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a *Appointment) Day() string {
	return a.Date.Format(schedule.DateLayout)
}

func (a *Appointment) Reference() string {
	if a.PaymentReference == nil {
		return ""
	}
	return *a.PaymentReference
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
