package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/session"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNoRoom         = "NO_ROOM"
	CodeNoParticipant  = "NO_PARTICIPANT"
	CodeRoomNotOpen    = "ROOM_NOT_OPEN"
	CodeRoomExpired    = "ROOM_EXPIRED"
	CodeRoomEnded      = "ROOM_ENDED"
	CodeRoomBusy       = "ROOM_BEING_CREATED"
	CodeProviderError  = "PROVIDER_ERROR"
	CodeInternal       = "internal_error"
)

type SubmitConsentRequest struct {
	AppointmentID string `json:"appointmentId"`
	PatientID     string `json:"patientId"`
	ConsentGiven  *bool  `json:"consentGiven"`
}

type SubmitConsentResponse struct {
	Success       bool      `json:"success"`
	AppointmentID string    `json:"appointmentId"`
	ConsentGiven  bool      `json:"consentGiven"`
	Timestamp     time.Time `json:"timestamp"`
}

type ConsentStatusResponse struct {
	AppointmentID string `json:"appointmentId"`
	consent.View
}

type CreateRoomRequest struct {
	AppointmentID   string    `json:"appointmentId"`
	ClinicianID     string    `json:"clinicianId"`
	AppointmentTime time.Time `json:"appointmentTime"`
	DurationMinutes int       `json:"durationMinutes"`
}

type RoomResponse struct {
	RoomID             uuid.UUID `json:"roomId"`
	AppointmentID      string    `json:"appointmentId"`
	ProviderRoomHandle string    `json:"providerRoomHandle"`
	ValidFrom          time.Time `json:"validFrom"`
	ValidUntil         time.Time `json:"validUntil"`
	Status             string    `json:"status"`
	IsExisting         bool      `json:"isExisting"`
}

type JoinRoomRequest struct {
	AppointmentID   string `json:"appointmentId"`
	ParticipantType string `json:"participantType"`
	ExternalID      string `json:"externalId"`
	DisplayName     string `json:"displayName"`
}

type JoinRoomResponse struct {
	ProviderToken    string    `json:"providerToken"`
	ProviderIdentity string    `json:"providerIdentity"`
	RoomHandle       string    `json:"roomHandle"`
	Endpoint         string    `json:"endpoint"`
	ParticipantID    uuid.UUID `json:"participantId"`
	Role             string    `json:"role"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

type LeaveRoomRequest struct {
	ParticipantID string `json:"participantId"`
	EndCall       bool   `json:"endCall"`
}

type LeaveRoomResponse struct {
	Success bool `json:"success"`
}

type ParticipantResponse struct {
	ID               uuid.UUID  `json:"id"`
	ParticipantType  string     `json:"participantType"`
	ExternalID       string     `json:"externalId"`
	DisplayName      string     `json:"displayName"`
	ProviderIdentity string     `json:"providerIdentity"`
	JoinedAt         time.Time  `json:"joinedAt"`
	LeftAt           *time.Time `json:"leftAt,omitempty"`
}

type RoomStatusResponse struct {
	RoomID           uuid.UUID             `json:"roomId"`
	AppointmentID    string                `json:"appointmentId"`
	Status           string                `json:"status"`
	ValidFrom        time.Time             `json:"validFrom"`
	ValidUntil       time.Time             `json:"validUntil"`
	StartedAt        *time.Time            `json:"startedAt,omitempty"`
	EndedAt          *time.Time            `json:"endedAt,omitempty"`
	Participants     []ParticipantResponse `json:"participants"`
	Presence         session.Presence      `json:"presence"`
	RecordingConsent consent.View          `json:"recordingConsent"`
}

// WatchFrame is one message on the room watch websocket. Room is nil
// while no room exists for the appointment.
type WatchFrame struct {
	Event string              `json:"event"`
	Room  *RoomStatusResponse `json:"room,omitempty"`
	Error string              `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func roomResponse(r *session.Room, existing bool) RoomResponse {
	return RoomResponse{
		RoomID:             r.ID,
		AppointmentID:      r.AppointmentID,
		ProviderRoomHandle: r.ProviderRoomHandle,
		ValidFrom:          r.ValidFrom,
		ValidUntil:         r.ValidUntil,
		Status:             string(r.Status),
		IsExisting:         existing,
	}
}

func roomStatusResponse(v *session.RoomView) RoomStatusResponse {
	participants := make([]ParticipantResponse, 0, len(v.Participants))
	for _, p := range v.Participants {
		participants = append(participants, ParticipantResponse{
			ID:               p.ID,
			ParticipantType:  string(p.Type),
			ExternalID:       p.ExternalID,
			DisplayName:      p.DisplayName,
			ProviderIdentity: p.ProviderIdentity,
			JoinedAt:         p.JoinedAt,
			LeftAt:           p.LeftAt,
		})
	}

	return RoomStatusResponse{
		RoomID:           v.Room.ID,
		AppointmentID:    v.Room.AppointmentID,
		Status:           string(v.Room.Status),
		ValidFrom:        v.Room.ValidFrom,
		ValidUntil:       v.Room.ValidUntil,
		StartedAt:        v.Room.StartedAt,
		EndedAt:          v.Room.EndedAt,
		Participants:     participants,
		Presence:         v.Presence,
		RecordingConsent: v.RecordingConsent,
	}
}

func joinRoomResponse(g *session.JoinGrant) JoinRoomResponse {
	return JoinRoomResponse{
		ProviderToken:    g.Token,
		ProviderIdentity: g.Identity,
		RoomHandle:       g.RoomHandle,
		Endpoint:         g.Endpoint,
		ParticipantID:    g.ParticipantID,
		Role:             string(g.Role),
		ExpiresAt:        g.ExpiresAt,
	}
}
