package consent

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound       = errors.New("consent record not found")
	ErrMissingAppointmentID = errors.New("appointmentId is required")
	ErrMissingPatientID     = errors.New("patientId is required")
)

// Repository is the durable store for consent records. Upsert must apply
// Apply's semantics atomically per appointment.
type Repository interface {
	Upsert(ctx context.Context, sub Submission, at time.Time) (*Record, error)
	GetByAppointment(ctx context.Context, appointmentID string) (*Record, error)
}
