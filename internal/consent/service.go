// Package consent is the recording-consent ledger. It records each
// patient's decision per appointment and derives whether a session may be
// recorded. Consent is informational to the clinician; it never gates a join.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Ledger struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewLedger(repo Repository, logger zerolog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger.With().Str("component", "consent").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the ledger's clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Submit upserts the decision for sub.AppointmentID. The write is durable
// before Submit returns.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	sub.AppointmentID = strings.TrimSpace(sub.AppointmentID)
	sub.PatientID = strings.TrimSpace(sub.PatientID)
	if sub.AppointmentID == "" {
		return nil, ErrMissingAppointmentID
	}
	if sub.PatientID == "" {
		return nil, ErrMissingPatientID
	}

	at := l.now().UTC()
	rec, err := l.repo.Upsert(ctx, sub, at)
	if err != nil {
		return nil, fmt.Errorf("submit consent: %w", err)
	}

	l.logger.Info().
		Str("appointment_id", rec.AppointmentID).
		Bool("consent_given", rec.ConsentGiven).
		Str("status", string(DeriveStatus(rec))).
		Msg("consent recorded")

	return &Receipt{
		AppointmentID: rec.AppointmentID,
		ConsentGiven:  rec.ConsentGiven,
		Timestamp:     at,
	}, nil
}

// GetStatus reads through to the store on every call. A missing record is
// pending, not an error.
func (l *Ledger) GetStatus(ctx context.Context, appointmentID string) (View, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return View{}, ErrMissingAppointmentID
	}

	rec, err := l.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ViewOf(nil), nil
		}
		return View{}, fmt.Errorf("load consent: %w", err)
	}
	return ViewOf(rec), nil
}
