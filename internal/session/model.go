package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

type RoomStatus string

const (
	StatusCreated RoomStatus = "created"
	StatusActive  RoomStatus = "active"
	StatusEnded   RoomStatus = "ended"
)

func (s RoomStatus) rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusActive:
		return 2
	case StatusEnded:
		return 3
	}
	return 0
}

// CanAdvance reports whether moving from one status to another goes forward.
// Room status never regresses.
func CanAdvance(from, to RoomStatus) bool {
	return to.rank() > from.rank()
}

type ParticipantType string

const (
	Clinician ParticipantType = "clinician"
	Patient   ParticipantType = "patient"
)

func (t ParticipantType) Valid() bool {
	return t == Clinician || t == Patient
}

// roleTable is policy: clinicians manage the call, patients attend it.
var roleTable = map[ParticipantType]video.Role{
	Clinician: video.RolePresenter,
	Patient:   video.RoleAttendee,
}

// RoleFor returns the provider role a participant type joins with.
func RoleFor(t ParticipantType) video.Role {
	if r, ok := roleTable[t]; ok {
		return r
	}
	return video.RoleAttendee
}

const (
	// OpensBefore is how long before the appointment start joins are allowed.
	OpensBefore = 30 * time.Minute
	// ClosesAfter is how long after the scheduled end joins are still allowed.
	ClosesAfter = 120 * time.Minute
)

// Window is the interval during which joining is permitted, inclusive at
// both ends.
type Window struct {
	From  time.Time
	Until time.Time
}

// WindowFor derives the validity window from the appointment time.
func WindowFor(start time.Time, duration time.Duration) Window {
	return Window{
		From:  start.Add(-OpensBefore),
		Until: start.Add(duration).Add(ClosesAfter),
	}
}

// Check returns ErrRoomNotOpen or ErrRoomExpired when now is outside w.
func (w Window) Check(now time.Time) error {
	if now.Before(w.From) {
		return ErrRoomNotOpen
	}
	if now.After(w.Until) {
		return ErrRoomExpired
	}
	return nil
}

type Room struct {
	ID                 uuid.UUID
	AppointmentID      string
	ClinicianID        string
	ProviderRoomHandle string
	Status             RoomStatus
	ValidFrom          time.Time
	ValidUntil         time.Time
	CreatedAt          time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
}

func (r *Room) Window() Window {
	return Window{From: r.ValidFrom, Until: r.ValidUntil}
}

type Participant struct {
	ID               uuid.UUID
	RoomID           uuid.UUID
	Type             ParticipantType
	ExternalID       string
	DisplayName      string
	ProviderIdentity string
	JoinedAt         time.Time
	LeftAt           *time.Time
}

// Open reports whether the row is a joined session that has not left.
func (p *Participant) Open() bool {
	return !p.JoinedAt.IsZero() && p.LeftAt == nil
}

// LatestOf returns the most recently joined row of type t, or nil. Rows that
// share a join time resolve to the later one in ps.
func LatestOf(ps []Participant, t ParticipantType) *Participant {
	var latest *Participant
	for i := range ps {
		p := &ps[i]
		if p.Type != t {
			continue
		}
		if latest == nil || !p.JoinedAt.Before(latest.JoinedAt) {
			latest = p
		}
	}
	return latest
}

// Presence says which party currently has an open session in a room.
type Presence struct {
	Clinician bool `json:"clinician"`
	Patient   bool `json:"patient"`
}

// PresenceOf applies the latest-row rule to each participant type.
func PresenceOf(ps []Participant) Presence {
	present := func(t ParticipantType) bool {
		p := LatestOf(ps, t)
		return p != nil && p.Open()
	}
	return Presence{Clinician: present(Clinician), Patient: present(Patient)}
}

// RoomView is the polled room status.
type RoomView struct {
	Room             Room
	Participants     []Participant
	Presence         Presence
	RecordingConsent consent.View
}

// CreateRoomRequest comes from the clinician side with scheduler data.
type CreateRoomRequest struct {
	AppointmentID   string
	ClinicianID     string
	AppointmentTime time.Time
	DurationMinutes int
}

// JoinRequest comes independently from each party.
type JoinRequest struct {
	AppointmentID   string
	ParticipantType ParticipantType
	ExternalID      string
	DisplayName     string
}

// JoinGrant is the capability handed to a client together with the
// presence row recorded for it.
type JoinGrant struct {
	video.Capability
	ParticipantID uuid.UUID
	Role          video.Role
	ExpiresAt     time.Time
}
