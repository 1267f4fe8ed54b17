package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const recordColumns = `id, appointment_id, patient_id, consent_given, consent_timestamp, withdrawn_at,
	origin_address, client_descriptor, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var withdrawnAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.PatientID,
		&r.ConsentGiven,
		&r.ConsentTimestamp,
		&withdrawnAt,
		&r.OriginAddress,
		&r.ClientDescriptor,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	r.WithdrawnAt = withdrawnAt
	return &r, nil
}

// Upsert is one statement so concurrent submissions for an appointment
// serialise on the unique key instead of racing a read-then-write. The
// CASE arms are Apply written in SQL and must stay in step with it.
func (r *PgRepository) Upsert(ctx context.Context, sub Submission, at time.Time) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO recording_consents (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $5, $5)
		ON CONFLICT (appointment_id) DO UPDATE SET
		    patient_id        = EXCLUDED.patient_id,
		    consent_given     = EXCLUDED.consent_given,
		    consent_timestamp = CASE WHEN EXCLUDED.consent_given
		                             THEN EXCLUDED.consent_timestamp
		                             ELSE recording_consents.consent_timestamp END,
		    withdrawn_at      = CASE WHEN EXCLUDED.consent_given
		                             THEN NULL
		                             ELSE EXCLUDED.updated_at END,
		    origin_address    = EXCLUDED.origin_address,
		    client_descriptor = EXCLUDED.client_descriptor,
		    updated_at        = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		uuid.New(), sub.AppointmentID, sub.PatientID, sub.ConsentGiven, at,
		sub.Audit.OriginAddress, sub.Audit.ClientDescriptor,
	)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("upsert consent: %w", err)
	}
	return rec, nil
}

func (r *PgRepository) GetByAppointment(ctx context.Context, appointmentID string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM recording_consents
		WHERE appointment_id = $1
	`, appointmentID)
	return scanRecord(row)
}
