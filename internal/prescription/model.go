package prescription

import (
	"time"

	"github.com/google/uuid"
)

type Medication struct {
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Times        []string `json:"times"` // HH:MM, every day
	DurationDays int      `json:"duration_days"`
}

type Prescription struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProviderID    uuid.UUID
	ClientID      uuid.UUID
	StartDate     time.Time // first day of treatment
	Medications   []Medication
	Notes         *string
	CreatedAt     time.Time
}
