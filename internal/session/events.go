package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/metrics"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.RoomEvent) error { return nil }

// recorder appends room changes to the audit trail and notifies watchers.
// Neither step can fail the change it describes; failures are logged.
type recorder struct {
	repo   Repository
	pub    events.Publisher
	logger zerolog.Logger
}

func (r *recorder) record(ctx context.Context, eventType string, room *Room, p *Participant, at time.Time) {
	ev := events.RoomEvent{
		Type:          eventType,
		AppointmentID: room.AppointmentID,
		RoomID:        room.ID.String(),
		Status:        string(room.Status),
		At:            at,
	}
	if p != nil {
		ev.ParticipantID = p.ID.String()
		ev.ParticipantType = string(p.Type)
	}

	switch eventType {
	case events.RoomCreated, events.RoomActivated, events.RoomEnded:
		metrics.RoomTransitions.WithLabelValues(string(room.Status)).Inc()
	}

	// the caller may have been abandoned after the change committed
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		payload = nil
	}

	roomID := room.ID
	if err := r.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		RoomID:        &roomID,
		AppointmentID: room.AppointmentID,
		Payload:       payload,
		CreatedAt:     at,
	}); err != nil {
		r.logger.Error().Err(err).Str("event", eventType).Str("room_id", room.ID.String()).Msg("failed to insert event log")
	}

	if err := r.pub.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("event", eventType).Str("appointment_id", room.AppointmentID).Msg("failed to publish room event")
	}
}
