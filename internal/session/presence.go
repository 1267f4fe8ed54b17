package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/events"
)

// PresenceTracker records join and leave rows and answers who is present.
// Every join inserts a new row; a reconnecting party is just its newest row.
type PresenceTracker struct {
	repo   Repository
	rooms  *RoomManager
	rec    *recorder
	logger zerolog.Logger
	now    func() time.Time
}

// JoinRecord is the data the join authorizer hands over once the provider
// granted access.
type JoinRecord struct {
	RoomID           uuid.UUID
	Type             ParticipantType
	ExternalID       string
	DisplayName      string
	ProviderIdentity string
}

// RecordJoin inserts a participant row. The first join into a created room
// activates it in the same write. Joining an ended room fails with
// ErrRoomEnded.
func (t *PresenceTracker) RecordJoin(ctx context.Context, in JoinRecord) (*Participant, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown participant type %q", ErrInvalidRequest, in.Type)
	}

	p := Participant{
		ID:               uuid.New(),
		RoomID:           in.RoomID,
		Type:             in.Type,
		ExternalID:       in.ExternalID,
		DisplayName:      in.DisplayName,
		ProviderIdentity: in.ProviderIdentity,
		JoinedAt:         t.now().UTC(),
	}

	room, activated, err := t.repo.RecordJoin(ctx, p)
	if err != nil {
		if errors.Is(err, ErrRoomEnded) || errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("record join: %w", err)
	}

	t.logger.Info().
		Str("appointment_id", room.AppointmentID).
		Str("participant_id", p.ID.String()).
		Str("participant_type", string(p.Type)).
		Msg("participant joined")

	if activated {
		t.rooms.activated(ctx, room, &p)
	}
	t.rec.record(ctx, events.ParticipantJoined, room, &p, p.JoinedAt)

	return &p, nil
}

// RecordLeave closes a participant row. With endCall set the owning room is
// ended as well. Leaving twice is not an error; the first leftAt stands.
func (t *PresenceTracker) RecordLeave(ctx context.Context, participantID string, endCall bool) (*Participant, error) {
	id, err := uuid.Parse(strings.TrimSpace(participantID))
	if err != nil {
		return nil, fmt.Errorf("%w: participantId must be a UUID", ErrInvalidRequest)
	}

	p, changed, err := t.repo.MarkParticipantLeft(ctx, id, t.now().UTC())
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("record leave: %w", err)
	}

	if changed {
		room, err := t.repo.GetRoomByID(ctx, p.RoomID)
		if err != nil {
			return nil, fmt.Errorf("load room: %w", err)
		}
		t.logger.Info().
			Str("appointment_id", room.AppointmentID).
			Str("participant_id", p.ID.String()).
			Str("participant_type", string(p.Type)).
			Bool("end_call", endCall).
			Msg("participant left")
		t.rec.record(ctx, events.ParticipantLeft, room, p, *p.LeftAt)
	}

	if endCall {
		if _, err := t.rooms.End(ctx, p.RoomID); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// IsPresent is true iff the newest row of that type is joined and not left.
func (t *PresenceTracker) IsPresent(ctx context.Context, roomID uuid.UUID, pt ParticipantType) (bool, error) {
	p, err := t.repo.LatestParticipant(ctx, roomID, pt)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("latest participant: %w", err)
	}
	return p.Open(), nil
}
