package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/prescription"
	"github.com/hackgods/consultation-booking/internal/reminder"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type CreateAppointmentRequest struct {
	ProviderID string `json:"provider_id"`
	ClientID   string `json:"client_id"`
	Date       string `json:"date"`
	From       string `json:"from"`
	To         string `json:"to"`
	Notes      string `json:"notes,omitempty"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	ProviderID       uuid.UUID  `json:"provider_id"`
	ClientID         uuid.UUID  `json:"client_id"`
	Date             string     `json:"date"`
	Weekday          string     `json:"weekday"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	Status           string     `json:"status"`
	PaymentStatus    string     `json:"payment_status"`
	PaymentReference *string    `json:"payment_reference,omitempty"`
	IsPrescribed     bool       `json:"is_prescribed"`
	Notes            *string    `json:"notes,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		ProviderID:       a.ProviderID,
		ClientID:         a.ClientID,
		Date:             a.Day(),
		Weekday:          a.Weekday.String(),
		From:             a.Slot.From.String(),
		To:               a.Slot.To.String(),
		StartsAt:         a.StartsAt,
		EndsAt:           a.EndsAt,
		Status:           string(a.Status),
		PaymentStatus:    string(a.PaymentStatus),
		PaymentReference: a.PaymentReference,
		IsPrescribed:     a.IsPrescribed,
		Notes:            a.Notes,
		ExpiresAt:        a.ExpiresAt,
		CancelledAt:      a.CancelledAt,
		CompletedAt:      a.CompletedAt,
		CreatedAt:        a.CreatedAt,
	}
}

type SlotResponse struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Available bool   `json:"available"`
}

type AvailabilityResponse struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	Date       string         `json:"date"`
	Weekday    string         `json:"weekday"`
	Slots      []SlotResponse `json:"slots"`
	Available  int            `json:"available"`
}

func newAvailabilityResponse(providerID uuid.UUID, a *schedule.Availability) AvailabilityResponse {
	resp := AvailabilityResponse{
		ProviderID: providerID,
		Date:       a.Date.Format(schedule.DateLayout),
		Weekday:    a.Weekday.String(),
		Slots:      make([]SlotResponse, 0, len(a.Slots)),
		Available:  len(a.Available),
	}
	for _, s := range a.Slots {
		resp.Slots = append(resp.Slots, SlotResponse{From: s.From.String(), To: s.To.String(), Available: s.Available})
	}
	return resp
}

type CheckoutResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	CheckoutID    string    `json:"checkout_id"`
	RedirectURL   string    `json:"redirect_url"`
}

type IssuePrescriptionRequest struct {
	StartDate   string                    `json:"start_date,omitempty"`
	Medications []prescription.Medication `json:"medications"`
	Notes       string                    `json:"notes,omitempty"`
}

type PrescriptionResponse struct {
	ID            uuid.UUID                 `json:"id"`
	AppointmentID uuid.UUID                 `json:"appointment_id"`
	ProviderID    uuid.UUID                 `json:"provider_id"`
	ClientID      uuid.UUID                 `json:"client_id"`
	StartDate     string                    `json:"start_date"`
	Medications   []prescription.Medication `json:"medications"`
	Notes         *string                   `json:"notes,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

func newPrescriptionResponse(p *prescription.Prescription) PrescriptionResponse {
	return PrescriptionResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		ProviderID:    p.ProviderID,
		ClientID:      p.ClientID,
		StartDate:     p.StartDate.Format(schedule.DateLayout),
		Medications:   p.Medications,
		Notes:         p.Notes,
		CreatedAt:     p.CreatedAt,
	}
}

type FailedRemindersResponse struct {
	Jobs []reminder.Job `json:"jobs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
