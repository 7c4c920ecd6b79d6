package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/payment"
	"github.com/hackgods/consultation-booking/internal/prescription"
	"github.com/hackgods/consultation-booking/internal/reminder"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const (
	clientIDHeader   = "X-Client-ID"
	providerIDHeader = "X-Provider-ID"

	defaultFailedLimit = 100
)

type AppointmentService interface {
	GetAvailableSlots(ctx context.Context, providerID uuid.UUID, date string) (*schedule.Availability, error)
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Checkout(ctx context.Context, id, clientID uuid.UUID) (*payment.Checkout, error)
	Cancel(ctx context.Context, id, requesterID uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	HandlePaymentWebhook(ctx context.Context, n payment.Notification) error
}

type PrescriptionService interface {
	Issue(ctx context.Context, req prescription.IssueRequest) (*prescription.Prescription, error)
	ForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]prescription.Prescription, error)
}

type FailedReminders interface {
	Failed(ctx context.Context, limit int) ([]reminder.Job, error)
}

func availableSlotsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter is required (YYYY-MM-DD)")
			return
		}

		avail, err := svc.GetAvailableSlots(r.Context(), providerID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAvailabilityResponse(providerID, avail))
	}
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		clientID, err := uuid.Parse(req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_client_id", "client_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			ProviderID: providerID,
			ClientID:   clientID,
			Date:       req.Date,
			From:       req.From,
			To:         req.To,
			Notes:      req.Notes,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, newAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func checkoutHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		clientID, ok := uuidHeader(w, r, clientIDHeader, "invalid_client_id")
		if !ok {
			return
		}

		checkout, err := svc.Checkout(r.Context(), id, clientID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, CheckoutResponse{
			AppointmentID: id,
			CheckoutID:    checkout.ID,
			RedirectURL:   checkout.RedirectURL,
		})
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		clientID, ok := uuidHeader(w, r, clientIDHeader, "invalid_client_id")
		if !ok {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, clientID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.Complete(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func issuePrescriptionHandler(svc PrescriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		providerID, ok := uuidHeader(w, r, providerIDHeader, "invalid_provider_id")
		if !ok {
			return
		}

		var req IssuePrescriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		p, err := svc.Issue(r.Context(), prescription.IssueRequest{
			AppointmentID: id,
			ProviderID:    providerID,
			StartDate:     req.StartDate,
			Medications:   req.Medications,
			Notes:         req.Notes,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, newPrescriptionResponse(p))
	}
}

func listPrescriptionsHandler(svc PrescriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		list, err := svc.ForAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := make([]PrescriptionResponse, 0, len(list))
		for i := range list {
			resp = append(resp, newPrescriptionResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// paymentWebhookHandler acknowledges every notification it can parse. A
// failed gateway lookup answers 503 so the gateway delivers it again.
func paymentWebhookHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n payment.Notification
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}
		// some notifications only carry the topic and id in the query string
		q := r.URL.Query()
		if n.Type == "" {
			n.Type = q.Get("type")
			if n.Type == "" {
				n.Type = q.Get("topic")
			}
		}
		if n.Data.ID == "" {
			n.Data.ID = q.Get("data.id")
			if n.Data.ID == "" {
				n.Data.ID = q.Get("id")
			}
		}

		if err := svc.HandlePaymentWebhook(r.Context(), n); err != nil {
			if errors.Is(err, appointment.ErrPaymentGateway) {
				writeError(w, http.StatusServiceUnavailable, "payment_gateway_unavailable", "payment lookup failed, retry later")
				return
			}
			log.Error("payment notification not applied",
				zap.String("type", n.Type),
				zap.String("payment_id", n.Data.ID),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err),
			)
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func failedRemindersHandler(q FailedReminders) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultFailedLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}

		jobs, err := q.Failed(r.Context(), limit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []reminder.Job{}
		}

		writeJSON(w, http.StatusOK, FailedRemindersResponse{Jobs: jobs})
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func uuidHeader(w http.ResponseWriter, r *http.Request, header, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(header))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, header+" header must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, appointment.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrClientNotFound):
		writeError(w, http.StatusNotFound, "client_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())

	case errors.Is(err, appointment.ErrForbidden), errors.Is(err, prescription.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrCancellationInProgress):
		writeError(w, http.StatusConflict, "cancellation_in_progress", err.Error())
	case errors.Is(err, appointment.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())

	case errors.Is(err, appointment.ErrLeadTimeViolation):
		writeError(w, http.StatusUnprocessableEntity, "lead_time_violation", err.Error())
	case errors.Is(err, appointment.ErrInvalidDate):
		writeError(w, http.StatusUnprocessableEntity, "invalid_date", err.Error())
	case errors.Is(err, appointment.ErrNoScheduleForDay):
		writeError(w, http.StatusUnprocessableEntity, "no_schedule_for_day", err.Error())
	case errors.Is(err, appointment.ErrCancellationWindowClosed):
		writeError(w, http.StatusUnprocessableEntity, "cancellation_window_closed", err.Error())
	case errors.Is(err, appointment.ErrNotPayable):
		writeError(w, http.StatusUnprocessableEntity, "not_payable", err.Error())
	case errors.Is(err, appointment.ErrMissingPaymentReference):
		writeError(w, http.StatusUnprocessableEntity, "missing_payment_reference", err.Error())
	case errors.Is(err, prescription.ErrNotPrescribable):
		writeError(w, http.StatusUnprocessableEntity, "not_prescribable", err.Error())
	case errors.Is(err, schedule.ErrSchedule):
		writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", err.Error())

	case errors.Is(err, appointment.ErrRefundFailed):
		writeError(w, http.StatusBadGateway, "refund_failed", err.Error())
	case errors.Is(err, appointment.ErrPaymentGateway):
		writeError(w, http.StatusBadGateway, "payment_gateway_error", err.Error())

	case errors.Is(err, appointment.ErrPersistenceAfterRefund):
		writeError(w, http.StatusInternalServerError, "refund_unreconciled", err.Error())

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request_timeout", "request did not complete in time")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error, request_id="+GetRequestID(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
