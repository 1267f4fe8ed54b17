package call

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-sessions/internal/api"
	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/session"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

func newAPIServer(t *testing.T, now func() time.Time) *httptest.Server {
	t.Helper()

	ledger := consent.NewLedger(consent.NewMemoryRepository(), zerolog.Nop()).WithClock(now)
	svc := session.NewService(session.Deps{
		Repo:     session.NewMemoryRepository(),
		Provider: video.NewTokenProvider("key", "secret", "wss://video.test/rtc", time.Hour).WithClock(now),
		Consent:  ledger,
		Logger:   zerolog.Nop(),
		Now:      now,
	})

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Consent:  ledger,
		Rooms:    svc.Rooms,
		Joins:    svc.Joins,
		Presence: svc.Presence,
		Logger:   zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIClient_RoundTrip(t *testing.T) {
	start := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)
	srv := newAPIServer(t, time.Now)
	c := NewAPIClient(srv.URL+"/", nil)
	ctx := context.Background()

	_, err := c.RoomStatus(ctx, "appt-1")
	require.Error(t, err)
	assert.True(t, HasCode(err, api.CodeNoRoom))

	room, err := c.CreateRoom(ctx, api.CreateRoomRequest{
		AppointmentID:   "appt-1",
		ClinicianID:     "dr-1",
		AppointmentTime: start,
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.False(t, room.IsExisting)

	grant, err := c.Join(ctx, api.JoinRoomRequest{
		AppointmentID:   "appt-1",
		ParticipantType: "patient",
		ExternalID:      "pt-1",
		DisplayName:     "Pat",
	})
	require.NoError(t, err)
	assert.Equal(t, room.ProviderRoomHandle, grant.RoomHandle)
	assert.Equal(t, "attendee", grant.Role)

	receipt, err := c.SubmitConsent(ctx, "appt-1", "pt-1", true)
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	cs, err := c.ConsentStatus(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, consent.StatusConsented, cs.Status)

	status, err := c.RoomStatus(ctx, "appt-1")
	require.NoError(t, err)
	assert.True(t, status.Presence.Patient)
	assert.True(t, status.RecordingConsent.CanRecord)

	require.NoError(t, c.Leave(ctx, grant.ParticipantID.String(), false))

	err = c.Leave(ctx, "not-a-uuid", false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, api.CodeInvalidRequest, apiErr.Code)
}

func TestAPIClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewAPIClient(srv.URL, nil).RoomStatus(context.Background(), "appt-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Code)
}

func TestWaitForRoom_ToleratesNoRoom(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch polls.Add(1) {
		case 1, 2:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"NO_ROOM","details":"no room for appointment"}`))
		case 3:
			_, _ = w.Write([]byte(`{"appointmentId":"appt-1","status":"created","presence":{"clinician":false,"patient":false}}`))
		default:
			_, _ = w.Write([]byte(`{"appointmentId":"appt-1","status":"active","presence":{"clinician":true,"patient":false}}`))
		}
	}))
	defer srv.Close()

	status, err := WaitForRoom(context.Background(), NewAPIClient(srv.URL, nil), "appt-1", 5*time.Millisecond,
		func(s *api.RoomStatusResponse) bool { return s.Presence.Clinician }, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, int32(4), polls.Load())
}

func TestWaitForRoom_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"NO_ROOM"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := WaitForRoom(ctx, NewAPIClient(srv.URL, nil), "appt-1", 10*time.Millisecond, nil, zerolog.Nop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
