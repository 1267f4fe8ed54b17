// Package events carries room lifecycle notifications between the session
// core and anything watching a room. Consumers treat an event as "something
// changed, re-read the room"; room status is monotonic, so a late or
// duplicated event can only delay a view, never roll it back.
package events

import (
	"context"
	"time"
)

const (
	RoomCreated       = "room.created"
	RoomActivated     = "room.active"
	RoomEnded         = "room.ended"
	ParticipantJoined = "participant.joined"
	ParticipantLeft   = "participant.left"
)

// RoomEvent is published on the topic of its appointment.
type RoomEvent struct {
	Type            string    `json:"type"`
	AppointmentID   string    `json:"appointmentId"`
	RoomID          string    `json:"roomId"`
	Status          string    `json:"status"`
	ParticipantID   string    `json:"participantId,omitempty"`
	ParticipantType string    `json:"participantType,omitempty"`
	At              time.Time `json:"at"`
}

// Publisher fans a room event out to watchers.
type Publisher interface {
	Publish(ctx context.Context, ev RoomEvent) error
}

// Subscriber delivers raw event payloads for one appointment until the
// returned cancel func is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, appointmentID string) (<-chan []byte, func(), error)
}

// Bus is both ends of the channel.
type Bus interface {
	Publisher
	Subscriber
}

// Topic names the channel for one appointment's room.
func Topic(appointmentID string) string {
	return "room:" + appointmentID
}
