package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) (*Prescription, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Prescription, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var (
		p    Prescription
		meds []byte
	)
	err := row.Scan(&p.ID, &p.AppointmentID, &p.ProviderID, &p.ClientID, &p.StartDate, &meds, &p.Notes, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	return &p, nil
}

func (r *PgRepository) Create(ctx context.Context, p *Prescription) (*Prescription, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}

	start := time.Date(p.StartDate.Year(), p.StartDate.Month(), p.StartDate.Day(), 0, 0, 0, 0, time.UTC)
	row := r.pool.QueryRow(ctx, `
		INSERT INTO prescriptions (id, appointment_id, provider_id, client_id, start_date, medications, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, appointment_id, provider_id, client_id, start_date, medications, notes, created_at
	`, p.ID, p.AppointmentID, p.ProviderID, p.ClientID, start, meds, p.Notes)

	created, err := scanPrescription(row)
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}
	return created, nil
}

func (r *PgRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Prescription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, provider_id, client_id, start_date, medications, notes, created_at
		FROM prescriptions
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

var _ Repository = (*PgRepository)(nil)
