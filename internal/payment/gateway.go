package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUnknownPayment = errors.New("payment not found at gateway")
	ErrUnavailable    = errors.New("payment gateway unavailable")
)

type Status string

const (
	StatusApproved  Status = "approved"
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusUnknown   Status = "unknown"
)

type CheckoutRequest struct {
	AppointmentID uuid.UUID
	Title         string
	AmountCents   int64
	PayerEmail    string
}

type Checkout struct {
	ID          string
	RedirectURL string
}

// PaymentEvent is what a webhook notification resolves to once the
// gateway has been asked about the payment.
type PaymentEvent struct {
	Reference     string
	AppointmentID uuid.UUID
	Status        Status
}

// RefundResult only counts as a refund when Succeeded is true.
type RefundResult struct {
	RefundID  string
	Status    string
	Succeeded bool
}

// Notification is the body the gateway posts to the webhook endpoint.
type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (n Notification) IsPayment() bool {
	return n.Type == "payment" && n.Data.ID != ""
}

type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	LookupPayment(ctx context.Context, reference string) (*PaymentEvent, error)
	Refund(ctx context.Context, reference string) (*RefundResult, error)
}
