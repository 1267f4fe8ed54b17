package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/metrics"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

// JoinAuthorizer turns a join request into a provider capability.
//
// The provider calls come first and leave no server state, so a caller that
// abandons the request before the presence row is written leaves nothing
// behind. Calling it twice for the same party yields two presence rows; the
// newer one is the live session.
type JoinAuthorizer struct {
	rooms    *RoomManager
	presence *PresenceTracker
	provider video.Provider
	logger   zerolog.Logger
	now      func() time.Time
}

func (a *JoinAuthorizer) AuthorizeJoin(ctx context.Context, req JoinRequest) (*JoinGrant, error) {
	grant, err := a.authorize(ctx, req)
	metrics.JoinAttempts.WithLabelValues(string(req.ParticipantType), joinOutcome(err)).Inc()
	return grant, err
}

func (a *JoinAuthorizer) authorize(ctx context.Context, req JoinRequest) (*JoinGrant, error) {
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	switch {
	case req.AppointmentID == "":
		return nil, fmt.Errorf("%w: appointmentId is required", ErrInvalidRequest)
	case !req.ParticipantType.Valid():
		return nil, fmt.Errorf("%w: participantType must be clinician or patient", ErrInvalidRequest)
	case req.ExternalID == "":
		return nil, fmt.Errorf("%w: externalId is required", ErrInvalidRequest)
	}
	if req.DisplayName == "" {
		req.DisplayName = string(req.ParticipantType)
	}

	room, err := a.rooms.Room(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}

	// the window applies whatever the status
	if err := room.Window().Check(a.now().UTC()); err != nil {
		return nil, err
	}
	if room.Status == StatusEnded {
		return nil, ErrRoomEnded
	}

	identity, err := a.provider.IssueIdentity(ctx)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("issue_identity").Inc()
		return nil, fmt.Errorf("%w: issue identity: %v", ErrProvider, err)
	}

	role := RoleFor(req.ParticipantType)
	access, err := a.provider.GrantAccess(ctx, room.ProviderRoomHandle, identity, role)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("grant_access").Inc()
		return nil, fmt.Errorf("%w: grant access: %v", ErrProvider, err)
	}

	p, err := a.presence.RecordJoin(ctx, JoinRecord{
		RoomID:           room.ID,
		Type:             req.ParticipantType,
		ExternalID:       req.ExternalID,
		DisplayName:      req.DisplayName,
		ProviderIdentity: identity,
	})
	if err != nil {
		return nil, err
	}

	return &JoinGrant{
		Capability: video.Capability{
			Token:      access.Token,
			Identity:   identity,
			RoomHandle: room.ProviderRoomHandle,
			Endpoint:   a.provider.Endpoint(),
		},
		ParticipantID: p.ID,
		Role:          role,
		ExpiresAt:     access.ExpiresAt,
	}, nil
}

func joinOutcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrRoomNotFound):
		return "no_room"
	case errors.Is(err, ErrRoomNotOpen):
		return "not_open"
	case errors.Is(err, ErrRoomExpired):
		return "expired"
	case errors.Is(err, ErrRoomEnded):
		return "ended"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}
