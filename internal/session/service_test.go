package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/events"
	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingProvider struct {
	*video.TokenProvider
	mu         sync.Mutex
	rooms      int
	failCreate bool
	failGrant  bool
}

func (p *countingProvider) CreateRoom(ctx context.Context, from, until time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate {
		return "", video.ErrUnavailable
	}
	p.rooms++
	return p.TokenProvider.CreateRoom(ctx, from, until)
}

func (p *countingProvider) GrantAccess(ctx context.Context, handle, identity string, role video.Role) (video.Grant, error) {
	if p.failGrant {
		return video.Grant{}, video.ErrUnavailable
	}
	return p.TokenProvider.GrantAccess(ctx, handle, identity, role)
}

type harness struct {
	svc      *Service
	repo     *MemoryRepository
	ledger   *consent.Ledger
	provider *countingProvider
	bus      *events.LocalBus
	clock    *testClock
}

var appointmentStart = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{t: appointmentStart.Add(-2 * time.Hour)}
	repo := NewMemoryRepository()
	ledger := consent.NewLedger(consent.NewMemoryRepository(), zerolog.Nop()).WithClock(clock.now)
	provider := &countingProvider{
		TokenProvider: video.NewTokenProvider("key", "secret", "wss://video.test/rtc", time.Hour).WithClock(clock.now),
	}
	bus := events.NewLocalBus()

	svc := NewService(Deps{
		Repo:     repo,
		Provider: provider,
		Consent:  ledger,
		Events:   bus,
		Logger:   zerolog.Nop(),
		Now:      clock.now,
	})

	return &harness{svc: svc, repo: repo, ledger: ledger, provider: provider, bus: bus, clock: clock}
}

func (h *harness) createRoom(t *testing.T) *Room {
	t.Helper()
	room, existing, err := h.svc.Rooms.CreateOrGetRoom(context.Background(), CreateRoomRequest{
		AppointmentID:   "appt-1",
		ClinicianID:     "dr-1",
		AppointmentTime: appointmentStart,
		DurationMinutes: 50,
	})
	require.NoError(t, err)
	require.False(t, existing)
	return room
}

func joinAs(pt ParticipantType) JoinRequest {
	return JoinRequest{
		AppointmentID:   "appt-1",
		ParticipantType: pt,
		ExternalID:      string(pt) + "-ext",
		DisplayName:     "Test " + string(pt),
	}
}

func TestCreateOrGetRoom_Idempotent(t *testing.T) {
	h := newHarness(t)
	first := h.createRoom(t)

	second, existing, err := h.svc.Rooms.CreateOrGetRoom(context.Background(), CreateRoomRequest{
		AppointmentID:   "appt-1",
		ClinicianID:     "dr-1",
		AppointmentTime: appointmentStart.Add(time.Hour),
		DurationMinutes: 10,
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ValidUntil, second.ValidUntil, "existing room is returned unchanged")
	assert.Equal(t, 1, h.provider.rooms)

	assert.Equal(t, StatusCreated, first.Status)
	assert.Equal(t, appointmentStart.Add(-30*time.Minute), first.ValidFrom)
	assert.Equal(t, appointmentStart.Add(170*time.Minute), first.ValidUntil)
	assert.NotEmpty(t, first.ProviderRoomHandle)
}

func TestCreateOrGetRoom_Concurrent(t *testing.T) {
	h := newHarness(t)

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, _, err := h.svc.Rooms.CreateOrGetRoom(context.Background(), CreateRoomRequest{
				AppointmentID:   "appt-1",
				ClinicianID:     "dr-1",
				AppointmentTime: appointmentStart,
				DurationMinutes: 50,
			})
			errs[i] = err
			if err == nil {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.provider.rooms)
}

func TestCreateOrGetRoom_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []CreateRoomRequest{
		{ClinicianID: "dr-1", AppointmentTime: appointmentStart, DurationMinutes: 50},
		{AppointmentID: "appt-1", AppointmentTime: appointmentStart, DurationMinutes: 50},
		{AppointmentID: "appt-1", ClinicianID: "dr-1", DurationMinutes: 50},
		{AppointmentID: "appt-1", ClinicianID: "dr-1", AppointmentTime: appointmentStart},
	}
	for _, req := range cases {
		_, _, err := h.svc.Rooms.CreateOrGetRoom(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestCreateOrGetRoom_ProviderFailureLeavesNoRow(t *testing.T) {
	h := newHarness(t)
	h.provider.failCreate = true

	_, _, err := h.svc.Rooms.CreateOrGetRoom(context.Background(), CreateRoomRequest{
		AppointmentID:   "appt-1",
		ClinicianID:     "dr-1",
		AppointmentTime: appointmentStart,
		DurationMinutes: 50,
	})
	assert.ErrorIs(t, err, ErrProvider)

	_, err = h.svc.Rooms.GetStatus(context.Background(), "appt-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

type busyLocker struct{}

func (busyLocker) WithAppointmentLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestCreateOrGetRoom_LockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	svc := NewService(Deps{
		Repo:     h.repo,
		Provider: h.provider,
		Consent:  h.ledger,
		Locker:   busyLocker{},
		Logger:   zerolog.Nop(),
		Now:      h.clock.now,
	})

	// the other holder commits its room shortly after we lose the lock
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _, _ = h.repo.InsertRoomIfAbsent(context.Background(), Room{
			ID:            uuid.New(),
			AppointmentID: "appt-1",
			ClinicianID:   "dr-1",
			Status:        StatusCreated,
			ValidFrom:     appointmentStart.Add(-OpensBefore),
			ValidUntil:    appointmentStart.Add(time.Hour),
		})
	}()

	room, existing, err := svc.Rooms.CreateOrGetRoom(context.Background(), CreateRoomRequest{
		AppointmentID:   "appt-1",
		ClinicianID:     "dr-1",
		AppointmentTime: appointmentStart,
		DurationMinutes: 50,
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, "appt-1", room.AppointmentID)
	assert.Zero(t, h.provider.rooms)
}

func TestGetStatus_NoRoom(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Rooms.GetStatus(context.Background(), "appt-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGetStatus_IncludesConsentAndPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRoom(t)

	_, err := h.ledger.Submit(ctx, consent.Submission{AppointmentID: "appt-1", PatientID: "pt-1", ConsentGiven: true})
	require.NoError(t, err)

	h.clock.set(appointmentStart.Add(-10 * time.Minute))
	_, err = h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	require.NoError(t, err)

	view, err := h.svc.Rooms.GetStatus(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Room.Status)
	assert.Len(t, view.Participants, 1)
	assert.Equal(t, Presence{Clinician: false, Patient: true}, view.Presence)
	assert.Equal(t, consent.StatusConsented, view.RecordingConsent.Status)
	assert.True(t, view.RecordingConsent.CanRecord)
}

// Appointment at 09:00 for 50 minutes: window 08:30 to 11:50.
func TestSessionLifecycleScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)

	h.clock.set(time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC))
	_, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Clinician))
	assert.ErrorIs(t, err, ErrRoomNotOpen)

	joinedAt := time.Date(2025, 1, 10, 8, 45, 0, 0, time.UTC)
	h.clock.set(joinedAt)
	grant, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Clinician))
	require.NoError(t, err)
	assert.Equal(t, room.ProviderRoomHandle, grant.RoomHandle)
	assert.Equal(t, "wss://video.test/rtc", grant.Endpoint)
	assert.Equal(t, video.RolePresenter, grant.Role)
	assert.NotEmpty(t, grant.Token)
	assert.NotEmpty(t, grant.Identity)

	view, err := h.svc.Rooms.GetStatus(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Room.Status)
	require.NotNil(t, view.Room.StartedAt)
	assert.Equal(t, joinedAt, *view.Room.StartedAt)

	h.clock.set(time.Date(2025, 1, 10, 9, 40, 0, 0, time.UTC))
	_, err = h.svc.Presence.RecordLeave(ctx, grant.ParticipantID.String(), true)
	require.NoError(t, err)

	view, err = h.svc.Rooms.GetStatus(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, view.Room.Status)
	require.NotNil(t, view.Room.EndedAt)

	h.clock.set(time.Date(2025, 1, 10, 9, 45, 0, 0, time.UTC))
	_, err = h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	assert.ErrorIs(t, err, ErrRoomEnded)

	var types []string
	for _, ev := range h.repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		events.RoomCreated,
		events.RoomActivated,
		events.ParticipantJoined,
		events.ParticipantLeft,
		events.RoomEnded,
	}, types)
}

func TestAuthorizeJoin_AfterWindow(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t)

	h.clock.set(time.Date(2025, 1, 10, 11, 50, 1, 0, time.UTC))
	_, err := h.svc.Joins.AuthorizeJoin(context.Background(), joinAs(Patient))
	assert.ErrorIs(t, err, ErrRoomExpired)
}

// The window closes 120 minutes after the scheduled end, not after the start.
func TestAuthorizeJoin_LateJoinInsideWindow(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t)

	h.clock.set(time.Date(2025, 1, 10, 11, 30, 0, 0, time.UTC))
	_, err := h.svc.Joins.AuthorizeJoin(context.Background(), joinAs(Patient))
	require.NoError(t, err)

	h.clock.set(time.Date(2025, 1, 10, 11, 50, 0, 0, time.UTC))
	_, err = h.svc.Joins.AuthorizeJoin(context.Background(), joinAs(Clinician))
	require.NoError(t, err)
}

func TestAuthorizeJoin_WindowCheckedBeforeEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)

	_, err := h.svc.Rooms.End(ctx, room.ID)
	require.NoError(t, err)

	h.clock.set(appointmentStart.Add(-time.Hour))
	_, err = h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	assert.ErrorIs(t, err, ErrRoomNotOpen)
}

func TestAuthorizeJoin_NoRoom(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Joins.AuthorizeJoin(context.Background(), joinAs(Patient))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAuthorizeJoin_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := joinAs(Patient)
	req.ParticipantType = "observer"
	_, err := h.svc.Joins.AuthorizeJoin(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = joinAs(Patient)
	req.ExternalID = ""
	_, err = h.svc.Joins.AuthorizeJoin(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = joinAs(Patient)
	req.AppointmentID = " "
	_, err = h.svc.Joins.AuthorizeJoin(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAuthorizeJoin_ProviderFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)
	h.provider.failGrant = true

	h.clock.set(appointmentStart)
	_, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	assert.ErrorIs(t, err, ErrProvider)

	ps, err := h.repo.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)

	reloaded, err := h.repo.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, reloaded.Status)
}

func TestAuthorizeJoin_DoubleSubmitIsReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)
	h.clock.set(appointmentStart)

	first, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	require.NoError(t, err)
	second, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	require.NoError(t, err)

	assert.NotEqual(t, first.ParticipantID, second.ParticipantID)
	assert.NotEqual(t, first.Identity, second.Identity)

	ps, err := h.repo.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestAuthorizeJoin_DisplayNameDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)
	h.clock.set(appointmentStart)

	req := joinAs(Patient)
	req.DisplayName = ""
	_, err := h.svc.Joins.AuthorizeJoin(ctx, req)
	require.NoError(t, err)

	p, err := h.repo.LatestParticipant(ctx, room.ID, Patient)
	require.NoError(t, err)
	assert.Equal(t, "patient", p.DisplayName)
}

func TestPresence_RejoinAfterDrop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)
	h.clock.set(appointmentStart)

	first, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	require.NoError(t, err)

	h.clock.set(appointmentStart.Add(5 * time.Minute))
	_, err = h.svc.Presence.RecordLeave(ctx, first.ParticipantID.String(), false)
	require.NoError(t, err)

	present, err := h.svc.Presence.IsPresent(ctx, room.ID, Patient)
	require.NoError(t, err)
	assert.False(t, present)

	h.clock.set(appointmentStart.Add(6 * time.Minute))
	_, err = h.svc.Joins.AuthorizeJoin(ctx, joinAs(Patient))
	require.NoError(t, err)

	present, err = h.svc.Presence.IsPresent(ctx, room.ID, Patient)
	require.NoError(t, err)
	assert.True(t, present)

	present, err = h.svc.Presence.IsPresent(ctx, room.ID, Clinician)
	require.NoError(t, err)
	assert.False(t, present)

	reloaded, err := h.repo.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, reloaded.Status, "a plain leave does not end the room")
}

func TestRecordLeave_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRoom(t)
	h.clock.set(appointmentStart)

	grant, err := h.svc.Joins.AuthorizeJoin(ctx, joinAs(Clinician))
	require.NoError(t, err)

	leftAt := appointmentStart.Add(20 * time.Minute)
	h.clock.set(leftAt)
	p, err := h.svc.Presence.RecordLeave(ctx, grant.ParticipantID.String(), false)
	require.NoError(t, err)
	require.NotNil(t, p.LeftAt)

	h.clock.set(leftAt.Add(time.Minute))
	p, err = h.svc.Presence.RecordLeave(ctx, grant.ParticipantID.String(), false)
	require.NoError(t, err)
	assert.Equal(t, leftAt, *p.LeftAt)
}

func TestRecordLeave_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Presence.RecordLeave(ctx, "not-a-uuid", false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.Presence.RecordLeave(ctx, uuid.NewString(), false)
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestEnd_MonotonicAndIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)

	h.clock.set(appointmentStart.Add(time.Hour))
	ended, err := h.svc.Rooms.End(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	firstEnd := *ended.EndedAt

	h.clock.set(appointmentStart.Add(2 * time.Hour))
	again, err := h.svc.Rooms.End(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, firstEnd, *again.EndedAt)

	count := 0
	for _, ev := range h.repo.Events() {
		if ev.EventType == events.RoomEnded {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEndExpiredRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t)

	h.clock.set(room.ValidUntil)
	n, err := h.svc.Rooms.EndExpiredRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the window is inclusive at its end")

	h.clock.set(room.ValidUntil.Add(time.Minute))
	n, err = h.svc.Rooms.EndExpiredRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.svc.Rooms.EndExpiredRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoomEventsPublished(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := h.bus.Subscribe(ctx, "appt-1")
	require.NoError(t, err)
	defer unsubscribe()

	h.createRoom(t)

	select {
	case data := <-ch:
		var ev events.RoomEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, events.RoomCreated, ev.Type)
		assert.Equal(t, "created", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no room event published")
	}
}

type failingConsent struct{}

func (failingConsent) GetStatus(context.Context, string) (consent.View, error) {
	return consent.View{}, errors.New("consent store down")
}

func TestGetStatus_ConsentErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t)

	svc := NewService(Deps{
		Repo:     h.repo,
		Provider: h.provider,
		Consent:  failingConsent{},
		Logger:   zerolog.Nop(),
		Now:      h.clock.now,
	})

	_, err := svc.Rooms.GetStatus(context.Background(), "appt-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)
}

func TestMemoryRepository_LatestParticipantTie(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	room, _, err := repo.InsertRoomIfAbsent(ctx, Room{
		ID:            uuid.New(),
		AppointmentID: "appt-1",
		ClinicianID:   "dr-1",
		Status:        StatusCreated,
		ValidFrom:     appointmentStart.Add(-30 * time.Minute),
		ValidUntil:    appointmentStart.Add(170 * time.Minute),
	})
	require.NoError(t, err)

	at := appointmentStart
	first := Participant{ID: uuid.New(), RoomID: room.ID, Type: Patient, ExternalID: "pt-1", JoinedAt: at}
	second := Participant{ID: uuid.New(), RoomID: room.ID, Type: Patient, ExternalID: "pt-1", JoinedAt: at}
	_, _, err = repo.RecordJoin(ctx, first)
	require.NoError(t, err)
	_, _, err = repo.RecordJoin(ctx, second)
	require.NoError(t, err)

	latest, err := repo.LatestParticipant(ctx, room.ID, Patient)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	all, err := repo.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
}
