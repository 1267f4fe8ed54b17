package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/metrics"
	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

// ConsentReader is the slice of the consent ledger room status needs.
type ConsentReader interface {
	GetStatus(ctx context.Context, appointmentID string) (consent.View, error)
}

// lockWait bounds how long a create that lost the appointment lock waits
// for the winner's room to appear.
const (
	lockWait     = 3 * time.Second
	lockWaitStep = 100 * time.Millisecond
)

// RoomManager owns the room row: creation, the status it reports, and the
// transition to ended.
type RoomManager struct {
	repo     Repository
	provider video.Provider
	consent  ConsentReader
	locker   redisclient.Locker
	rec      *recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// CreateOrGetRoom returns the appointment's room, creating it on first call.
// The provider room is allocated before the row is written, so a provider
// failure leaves nothing behind locally. The bool is true when the room
// already existed.
func (m *RoomManager) CreateOrGetRoom(ctx context.Context, req CreateRoomRequest) (*Room, bool, error) {
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.ClinicianID = strings.TrimSpace(req.ClinicianID)
	switch {
	case req.AppointmentID == "":
		return nil, false, fmt.Errorf("%w: appointmentId is required", ErrInvalidRequest)
	case req.ClinicianID == "":
		return nil, false, fmt.Errorf("%w: clinicianId is required", ErrInvalidRequest)
	case req.AppointmentTime.IsZero():
		return nil, false, fmt.Errorf("%w: appointmentTime is required", ErrInvalidRequest)
	case req.DurationMinutes <= 0:
		return nil, false, fmt.Errorf("%w: durationMinutes must be positive", ErrInvalidRequest)
	}

	existing, err := m.repo.GetRoomByAppointment(ctx, req.AppointmentID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, false, fmt.Errorf("load room: %w", err)
	}

	var (
		room    *Room
		created bool
	)

	err = m.locker.WithAppointmentLock(ctx, req.AppointmentID, func(lockCtx context.Context) error {
		// re-check inside the critical section
		existing, err := m.repo.GetRoomByAppointment(lockCtx, req.AppointmentID)
		if err == nil {
			room = existing
			return nil
		}
		if !errors.Is(err, ErrRoomNotFound) {
			return fmt.Errorf("load room: %w", err)
		}

		window := WindowFor(req.AppointmentTime.UTC(), time.Duration(req.DurationMinutes)*time.Minute)
		handle, err := m.provider.CreateRoom(lockCtx, window.From, window.Until)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues("create_room").Inc()
			return fmt.Errorf("%w: create room: %v", ErrProvider, err)
		}

		room, created, err = m.repo.InsertRoomIfAbsent(lockCtx, Room{
			ID:                 uuid.New(),
			AppointmentID:      req.AppointmentID,
			ClinicianID:        req.ClinicianID,
			ProviderRoomHandle: handle,
			Status:             StatusCreated,
			ValidFrom:          window.From,
			ValidUntil:         window.Until,
			CreatedAt:          m.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		return nil
	})

	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		room, err = m.awaitRoom(ctx, req.AppointmentID)
		if err != nil {
			return nil, false, err
		}
		return room, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		m.logger.Info().
			Str("appointment_id", room.AppointmentID).
			Str("room_id", room.ID.String()).
			Time("valid_from", room.ValidFrom).
			Time("valid_until", room.ValidUntil).
			Msg("room created")
		m.rec.record(ctx, events.RoomCreated, room, nil, room.CreatedAt)
	}

	return room, !created, nil
}

// awaitRoom polls for a room another caller is creating.
func (m *RoomManager) awaitRoom(ctx context.Context, appointmentID string) (*Room, error) {
	deadline := time.NewTimer(lockWait)
	defer deadline.Stop()
	tick := time.NewTicker(lockWaitStep)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrRoomBeingCreated
		case <-tick.C:
			room, err := m.repo.GetRoomByAppointment(ctx, appointmentID)
			if err == nil {
				return room, nil
			}
			if !errors.Is(err, ErrRoomNotFound) {
				return nil, fmt.Errorf("load room: %w", err)
			}
		}
	}
}

// Room loads the room for an appointment, ErrRoomNotFound if none.
func (m *RoomManager) Room(ctx context.Context, appointmentID string) (*Room, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return nil, fmt.Errorf("%w: appointmentId is required", ErrInvalidRequest)
	}
	room, err := m.repo.GetRoomByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

// GetStatus is what both parties poll while waiting. ErrRoomNotFound is the
// expected answer until the clinician has created the room.
func (m *RoomManager) GetStatus(ctx context.Context, appointmentID string) (*RoomView, error) {
	room, err := m.Room(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	participants, err := m.repo.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	consentView, err := m.consent.GetStatus(ctx, room.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("load recording consent: %w", err)
	}

	return &RoomView{
		Room:             *room,
		Participants:     participants,
		Presence:         PresenceOf(participants),
		RecordingConsent: consentView,
	}, nil
}

// End moves the room to ended. Ending an ended room is a no-op.
func (m *RoomManager) End(ctx context.Context, roomID uuid.UUID) (*Room, error) {
	now := m.now().UTC()
	room, changed, err := m.repo.EndRoom(ctx, roomID, now)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("end room: %w", err)
	}

	if changed {
		m.logger.Info().
			Str("appointment_id", room.AppointmentID).
			Str("room_id", room.ID.String()).
			Msg("room ended")
		m.rec.record(ctx, events.RoomEnded, room, nil, now)
	}
	return room, nil
}

// EndExpiredRooms ends every room whose window has closed. It is intended to
// be called by the sweeper periodically and returns how many rooms it ended.
func (m *RoomManager) EndExpiredRooms(ctx context.Context) (int, error) {
	candidates, err := m.repo.ListExpiredOpenRooms(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired rooms: %w", err)
	}

	ended := 0
	for _, room := range candidates {
		if err := ctx.Err(); err != nil {
			return ended, err
		}
		if _, err := m.End(ctx, room.ID); err != nil {
			m.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("failed to end expired room")
			continue
		}
		ended++
	}
	return ended, nil
}

// activated is called by the presence tracker after the first join.
func (m *RoomManager) activated(ctx context.Context, room *Room, p *Participant) {
	m.logger.Info().
		Str("appointment_id", room.AppointmentID).
		Str("room_id", room.ID.String()).
		Str("first_participant", string(p.Type)).
		Msg("room active")
	m.rec.record(ctx, events.RoomActivated, room, p, p.JoinedAt)
}
