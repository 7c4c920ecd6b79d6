package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	mpconfig "github.com/mercadopago/sdk-go/pkg/config"
	mppayment "github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type MercadoPagoConfig struct {
	AccessToken     string
	NotificationURL string
	Currency        string
}

// MercadoPago is the Gateway backed by the MercadoPago API. All calls go
// through one circuit breaker so a failing gateway is not hammered.
type MercadoPago struct {
	preferences preference.Client
	payments    mppayment.Client
	refunds     refund.Client
	breaker     *gobreaker.CircuitBreaker[any]

	notificationURL string
	currency        string
}

func NewMercadoPago(cfg MercadoPagoConfig, log *zap.Logger) (*MercadoPago, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("mercadopago access token is required")
	}

	mpCfg, err := mpconfig.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("mercadopago config: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "mercadopago",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("payment gateway breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &MercadoPago{
		preferences:     preference.NewClient(mpCfg),
		payments:        mppayment.NewClient(mpCfg),
		refunds:         refund.NewClient(mpCfg),
		breaker:         breaker,
		notificationURL: cfg.NotificationURL,
		currency:        cfg.Currency,
	}, nil
}

func (m *MercadoPago) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	request := preference.Request{
		ExternalReference: req.AppointmentID.String(),
		NotificationURL:   m.notificationURL,
		Items: []preference.ItemRequest{
			{
				ID:         req.AppointmentID.String(),
				Title:      req.Title,
				Quantity:   1,
				CurrencyID: m.currency,
				UnitPrice:  float64(req.AmountCents) / 100,
			},
		},
		Metadata: map[string]any{
			"appointment_id": req.AppointmentID.String(),
		},
	}
	if req.PayerEmail != "" {
		request.Payer = &preference.PayerRequest{Email: req.PayerEmail}
	}

	out, err := m.breaker.Execute(func() (any, error) {
		return m.preferences.Create(ctx, request)
	})
	if err != nil {
		return nil, m.wrap("create checkout", err)
	}

	res := out.(*preference.Response)
	return &Checkout{ID: res.ID, RedirectURL: res.InitPoint}, nil
}

func (m *MercadoPago) LookupPayment(ctx context.Context, reference string) (*PaymentEvent, error) {
	id, err := strconv.Atoi(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: reference %q is not a payment id", ErrUnknownPayment, reference)
	}

	out, err := m.breaker.Execute(func() (any, error) {
		return m.payments.Get(ctx, id)
	})
	if err != nil {
		return nil, m.wrap("lookup payment", err)
	}

	res := out.(*mppayment.Response)
	appointmentID, err := uuid.Parse(res.ExternalReference)
	if err != nil {
		return nil, fmt.Errorf("%w: payment %d has no appointment reference", ErrUnknownPayment, res.ID)
	}

	return &PaymentEvent{
		Reference:     strconv.Itoa(res.ID),
		AppointmentID: appointmentID,
		Status:        toStatus(res.Status),
	}, nil
}

func (m *MercadoPago) Refund(ctx context.Context, reference string) (*RefundResult, error) {
	id, err := strconv.Atoi(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: reference %q is not a payment id", ErrUnknownPayment, reference)
	}

	out, err := m.breaker.Execute(func() (any, error) {
		return m.refunds.Create(ctx, id)
	})
	if err != nil {
		return nil, m.wrap("refund", err)
	}

	res := out.(*refund.Response)
	return &RefundResult{
		RefundID:  strconv.Itoa(res.ID),
		Status:    res.Status,
		Succeeded: refundSucceeded(res.Status),
	}, nil
}

func (m *MercadoPago) wrap(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toStatus(s string) Status {
	switch s {
	case "approved", "authorized":
		return StatusApproved
	case "pending", "in_process", "in_mediation":
		return StatusPending
	case "rejected":
		return StatusRejected
	case "cancelled":
		return StatusCancelled
	case "refunded", "charged_back":
		return StatusRefunded
	default:
		return StatusUnknown
	}
}

// Only an explicit approval counts. A pending or unknown refund leaves the
// money where it is as far as the booking engine is concerned.
func refundSucceeded(status string) bool {
	return status == "approved"
}

var _ Gateway = (*MercadoPago)(nil)
