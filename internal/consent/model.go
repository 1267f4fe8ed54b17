package consent

import (
	"time"

	"github.com/google/uuid"
)

// Status is derived from a record, never stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConsented Status = "consented"
	StatusDeclined  Status = "declined"
	StatusWithdrawn Status = "withdrawn"
)

// Record is the recording-consent decision for one appointment.
type Record struct {
	ID               uuid.UUID
	AppointmentID    string
	PatientID        string
	ConsentGiven     bool
	ConsentTimestamp time.Time
	WithdrawnAt      *time.Time
	OriginAddress    string
	ClientDescriptor string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditInfo describes where a submission came from.
type AuditInfo struct {
	OriginAddress    string
	ClientDescriptor string
}

// Submission is one consent decision as sent by the patient.
type Submission struct {
	AppointmentID string
	PatientID     string
	ConsentGiven  bool
	Audit         AuditInfo
}

// Receipt acknowledges a durable submission.
type Receipt struct {
	AppointmentID string    `json:"appointmentId"`
	ConsentGiven  bool      `json:"consentGiven"`
	Timestamp     time.Time `json:"timestamp"`
}

// View is the read model served to clinicians and the room status endpoint.
type View struct {
	Status           Status     `json:"status"`
	ConsentGiven     bool       `json:"consentGiven"`
	CanRecord        bool       `json:"canRecord"`
	ConsentTimestamp *time.Time `json:"consentTimestamp,omitempty"`
	WithdrawnAt      *time.Time `json:"withdrawnAt,omitempty"`
}

// DeriveStatus maps (consentGiven, withdrawnAt) to a status. A nil record is pending.
func DeriveStatus(r *Record) Status {
	switch {
	case r == nil:
		return StatusPending
	case !r.ConsentGiven:
		return StatusDeclined
	case r.WithdrawnAt != nil:
		return StatusWithdrawn
	default:
		return StatusConsented
	}
}

// ViewOf builds the read model for r, which may be nil.
func ViewOf(r *Record) View {
	v := View{Status: DeriveStatus(r)}
	if r == nil {
		return v
	}
	ts := r.ConsentTimestamp
	v.ConsentGiven = r.ConsentGiven
	v.CanRecord = r.ConsentGiven && r.WithdrawnAt == nil
	v.ConsentTimestamp = &ts
	v.WithdrawnAt = r.WithdrawnAt
	return v
}

// Apply folds a submission into the existing record (nil when none) and
// returns the row to store. Giving consent stamps the time and clears any
// withdrawal; declining stamps the withdrawal and keeps the prior timestamp.
func Apply(existing *Record, sub Submission, now time.Time) Record {
	if existing == nil {
		return Record{
			ID:               uuid.New(),
			AppointmentID:    sub.AppointmentID,
			PatientID:        sub.PatientID,
			ConsentGiven:     sub.ConsentGiven,
			ConsentTimestamp: now,
			OriginAddress:    sub.Audit.OriginAddress,
			ClientDescriptor: sub.Audit.ClientDescriptor,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	next := *existing
	next.PatientID = sub.PatientID
	next.OriginAddress = sub.Audit.OriginAddress
	next.ClientDescriptor = sub.Audit.ClientDescriptor
	next.UpdatedAt = now

	if sub.ConsentGiven {
		next.ConsentGiven = true
		next.ConsentTimestamp = now
		next.WithdrawnAt = nil
	} else {
		at := now
		next.ConsentGiven = false
		next.WithdrawnAt = &at
	}
	return next
}
