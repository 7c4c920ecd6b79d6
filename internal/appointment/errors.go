package appointment

import (
	"errors"
	"fmt"

	"github.com/hackgods/consultation-booking/internal/schedule"
)

var (
	ErrSlotUnavailable   = errors.New("slot is not available")
	ErrLeadTimeViolation = errors.New("slot starts too soon to be booked")
	ErrInvalidDate       = schedule.ErrInvalidDate
	ErrNoScheduleForDay  = schedule.ErrNoScheduleForDay
	ErrAlreadyTerminal   = errors.New("appointment is already cancelled or completed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPayable        = errors.New("appointment is not awaiting payment")
	ErrForbidden         = errors.New("requester is not allowed to act on this appointment")
	ErrPaymentGateway    = errors.New("payment gateway error")

	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	ErrCancellationInProgress   = errors.New("appointment is already being cancelled")
	ErrMissingPaymentReference  = errors.New("paid appointment has no payment reference")
	ErrRefundFailed             = errors.New("refund was not confirmed by the payment gateway")
	// ErrPersistenceAfterRefund means money was returned but the appointment
	// is still recorded as active. It needs manual reconciliation.
	ErrPersistenceAfterRefund = errors.New("refund issued but cancellation could not be saved")
)

// ValidationError reports a malformed request field before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error()}
}
