package reminder

import (
	"errors"
	"time"
)

var (
	ErrFireTimeInPast = errors.New("reminder fire time is not in the future")
	ErrNoRecipient    = errors.New("reminder has no recipient")
)

type Kind string

const (
	KindAppointment Kind = "appointment"
	KindMedication  Kind = "medication"
	KindGeneric     Kind = "generic"
)

// Job is a durable one-shot notification. It is never delivered before
// FireAt, and it is removed from the queue once delivery succeeds.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	FireAt      time.Time  `json:"fire_at"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Backoff is the wait before the next attempt after attempt failures:
// base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
