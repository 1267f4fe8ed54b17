package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger() (*Ledger, *stepClock) {
	clock := &stepClock{t: time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)}
	return NewLedger(NewMemoryRepository(), zerolog.Nop()).WithClock(clock.now), clock
}

func TestLedger_SubmitValidation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{PatientID: "p1", ConsentGiven: true})
	assert.ErrorIs(t, err, ErrMissingAppointmentID)

	_, err = l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "  ", ConsentGiven: true})
	assert.ErrorIs(t, err, ErrMissingPatientID)
}

func TestLedger_StatusPendingWithoutRecord(t *testing.T) {
	l, _ := newTestLedger()

	view, err := l.GetStatus(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.False(t, view.CanRecord)
	assert.False(t, view.ConsentGiven)
}

func TestLedger_GiveThenDecline(t *testing.T) {
	l, clock := newTestLedger()
	ctx := context.Background()

	receipt, err := l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: true})
	require.NoError(t, err)
	assert.True(t, receipt.ConsentGiven)
	assert.Equal(t, clock.t, receipt.Timestamp)

	clock.advance(time.Minute)
	_, err = l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: false})
	require.NoError(t, err)

	view, err := l.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, view.Status)
	assert.False(t, view.CanRecord)
}

func TestLedger_ReconsentAfterWithdrawal(t *testing.T) {
	l, clock := newTestLedger()
	ctx := context.Background()
	sub := Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: true}

	_, err := l.Submit(ctx, sub)
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: false})
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = l.Submit(ctx, sub)
	require.NoError(t, err)

	view, err := l.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusConsented, view.Status)
	assert.True(t, view.CanRecord)
	assert.Nil(t, view.WithdrawnAt)
	require.NotNil(t, view.ConsentTimestamp)
	assert.Equal(t, clock.t, *view.ConsentTimestamp)
}

func TestLedger_SubmitIsIdempotentPerAppointment(t *testing.T) {
	repo := NewMemoryRepository()
	l := NewLedger(repo, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: true})
		require.NoError(t, err)
	}

	assert.Len(t, repo.records, 1)
}

type failingRepo struct{}

func (failingRepo) Upsert(context.Context, Submission, time.Time) (*Record, error) {
	return nil, errors.New("connection reset")
}

func (failingRepo) GetByAppointment(context.Context, string) (*Record, error) {
	return nil, errors.New("connection reset")
}

func TestLedger_StoreErrorsPropagate(t *testing.T) {
	l := NewLedger(failingRepo{}, zerolog.Nop())
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{AppointmentID: "a1", PatientID: "p1", ConsentGiven: true})
	assert.ErrorContains(t, err, "connection reset")

	_, err = l.GetStatus(ctx, "a1")
	assert.ErrorContains(t, err, "connection reset")
}
