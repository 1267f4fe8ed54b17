//go:build integration

package consent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-sessions/internal/db"
)

func newPgRepository(t *testing.T) *PgRepository {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.ConnectPostgres(ctx, dsn, "consent-test")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pool))
	t.Cleanup(pool.Close)
	return NewPgRepository(pool)
}

// The upsert must fold submissions exactly like Apply does.
func TestPgRepository_UpsertMatchesApply(t *testing.T) {
	repo := newPgRepository(t)
	ctx := context.Background()
	appointmentID := "appt-" + uuid.NewString()

	base := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	steps := []bool{false, true, false, true}

	var want *Record
	for i, given := range steps {
		at := base.Add(time.Duration(i) * time.Minute)
		sub := Submission{
			AppointmentID: appointmentID,
			PatientID:     "pt-1",
			ConsentGiven:  given,
			Audit:         AuditInfo{OriginAddress: "10.0.0.1", ClientDescriptor: "test"},
		}

		got, err := repo.Upsert(ctx, sub, at)
		require.NoError(t, err)

		next := Apply(want, sub, at)
		want = &next

		assert.Equal(t, want.ConsentGiven, got.ConsentGiven, "step %d", i)
		assert.True(t, want.ConsentTimestamp.Equal(got.ConsentTimestamp), "step %d consent timestamp", i)
		if want.WithdrawnAt == nil {
			assert.Nil(t, got.WithdrawnAt, "step %d", i)
		} else {
			require.NotNil(t, got.WithdrawnAt, "step %d", i)
			assert.True(t, want.WithdrawnAt.Equal(*got.WithdrawnAt), "step %d withdrawn at", i)
		}
		assert.Equal(t, DeriveStatus(want), DeriveStatus(got), "step %d", i)
	}
}
