package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/consultation-booking/internal/schedule"
)

const uniqueViolation = "23505"

const appointmentColumns = `
	id, provider_id, client_id, appointment_date, weekday, slot_from, slot_to,
	starts_at, ends_at, status, payment_status, payment_reference, checkout_id,
	is_prescribed, notes, expires_at, cancelled_at, completed_at, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanClient(row pgx.Row) (*Client, error) {
	var c Client

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Email,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}

	return &c, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                 Appointment
		weekday, from, to int
	)

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.ClientID,
		&a.Date,
		&weekday,
		&from,
		&to,
		&a.StartsAt,
		&a.EndsAt,
		&a.Status,
		&a.PaymentStatus,
		&a.PaymentReference,
		&a.CheckoutID,
		&a.IsPrescribed,
		&a.Notes,
		&a.ExpiresAt,
		&a.CancelledAt,
		&a.CompletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Weekday = time.Weekday(weekday)
	a.Slot = schedule.Slot{From: schedule.Minute(from), To: schedule.Minute(to)}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// DATE columns carry no zone; write the calendar fields as they are.
func dateParam(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Interface methods

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider

	err := r.pool.QueryRow(ctx, `
		SELECT id, name, email, consultation_minutes, fee_cents, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Email, &p.ConsultationMinutes, &p.FeeCents, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT weekday, from_minute, to_minute
		FROM provider_schedules
		WHERE provider_id = $1
		ORDER BY weekday
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load provider schedule: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var weekday, from, to int
		if err := rows.Scan(&weekday, &from, &to); err != nil {
			return nil, fmt.Errorf("scan provider schedule: %w", err)
		}
		p.Schedule = append(p.Schedule, schedule.WeeklyEntry{
			Weekday: time.Weekday(weekday),
			From:    schedule.Minute(from),
			To:      schedule.Minute(to),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM clients
		WHERE id = $1
	`, id)
	return scanClient(row)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveAppointments(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND appointment_date = $2
		  AND status <> 'cancelled'
		ORDER BY slot_from
	`, providerID, dateParam(date))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, provider_id, client_id, appointment_date, weekday, slot_from, slot_to,
			starts_at, ends_at, status, payment_status, notes, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.ProviderID, a.ClientID, dateParam(a.Date), int(a.Weekday), int(a.Slot.From), int(a.Slot.To),
		a.StartsAt, a.EndsAt, a.Status, a.PaymentStatus, a.Notes, a.ExpiresAt,
	)

	created, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2::text,
		    completed_at = CASE WHEN $2::text = 'completed' THEN $4 ELSE completed_at END,
		    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $4 ELSE cancelled_at END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, at,
	)
	return scanAppointment(row)
}

func (r *PgRepository) MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'confirmed',
		    payment_status = 'paid',
		    payment_reference = $2,
		    expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+appointmentColumns,
		id, reference,
	)
	return scanAppointment(row)
}

func (r *PgRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = 'failed',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		  AND payment_status = 'pending'
		RETURNING `+appointmentColumns,
		id,
	)
	return scanAppointment(row)
}

func (r *PgRepository) SetCheckout(ctx context.Context, id uuid.UUID, checkoutID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET checkout_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, checkoutID)
	if err != nil {
		return fmt.Errorf("set checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FinalizeCancellation(ctx context.Context, id uuid.UUID, from Status, payment PaymentStatus, at time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    payment_status = $3,
		    cancelled_at = $4,
		    expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns,
		id, from, payment, at,
	)
	return scanAppointment(row)
}

func (r *PgRepository) SetPrescribed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET is_prescribed = true,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("set prescribed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND payment_status <> 'paid'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindFinishedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND ends_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Repository = (*PgRepository)(nil)
