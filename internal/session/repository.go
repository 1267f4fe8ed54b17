package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound        = errors.New("no room for appointment")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRoomNotOpen         = errors.New("room is not open yet")
	ErrRoomExpired         = errors.New("room validity window has closed")
	ErrRoomEnded           = errors.New("room has ended")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrProvider            = errors.New("video provider error")
	ErrRoomBeingCreated    = errors.New("room is being created, retry shortly")
)

// EventLog is one row of the room audit trail.
type EventLog struct {
	ID            int64
	EventType     string
	RoomID        *uuid.UUID
	AppointmentID string
	Payload       []byte
	CreatedAt     time.Time
}

// Repository is the persistent store for rooms and participants. Rooms and
// participant rows are never deleted. Every method that changes a room's
// status must only move it forward.
type Repository interface {
	// InsertRoomIfAbsent stores room unless its appointment already has one.
	// It returns the stored row and whether this call created it.
	InsertRoomIfAbsent(ctx context.Context, room Room) (*Room, bool, error)
	GetRoomByAppointment(ctx context.Context, appointmentID string) (*Room, error)
	GetRoomByID(ctx context.Context, id uuid.UUID) (*Room, error)

	// EndRoom moves a room to ended. It returns false when it already was.
	EndRoom(ctx context.Context, id uuid.UUID, at time.Time) (*Room, bool, error)
	// ListExpiredOpenRooms returns rooms not yet ended whose window closed before now.
	ListExpiredOpenRooms(ctx context.Context, now time.Time) ([]Room, error)

	// RecordJoin inserts p and, if its room is still created, activates the
	// room with startedAt = p.JoinedAt, as one atomic change. It fails with
	// ErrRoomEnded when the room has ended. The bool reports activation.
	RecordJoin(ctx context.Context, p Participant) (*Room, bool, error)
	GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error)
	// MarkParticipantLeft sets leftAt once. It returns false when already left.
	MarkParticipantLeft(ctx context.Context, id uuid.UUID, at time.Time) (*Participant, bool, error)
	// ListParticipants returns a room's rows ordered by join time.
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]Participant, error)
	LatestParticipant(ctx context.Context, roomID uuid.UUID, t ParticipantType) (*Participant, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
