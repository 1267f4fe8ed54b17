// Package video is the boundary to the external real-time video platform.
// The server side allocates rooms and mints access grants; the client side
// joins a room with a grant and consumes the platform's event stream.
package video

import (
	"context"
	"errors"
	"time"
)

// Role is the provider-side permission set a participant joins with.
type Role string

const (
	RolePresenter Role = "presenter"
	RoleAttendee  Role = "attendee"
)

var (
	ErrUnavailable  = errors.New("video provider unavailable")
	ErrInvalidGrant = errors.New("invalid access grant")
)

// Provider is the server-side capability contract.
type Provider interface {
	// CreateRoom allocates a provider room usable between validFrom and validUntil.
	CreateRoom(ctx context.Context, validFrom, validUntil time.Time) (string, error)
	// IssueIdentity returns a fresh call identity for one join.
	IssueIdentity(ctx context.Context) (string, error)
	// GrantAccess signs a token admitting identity to roomHandle with role.
	GrantAccess(ctx context.Context, roomHandle, identity string, role Role) (Grant, error)
	// Endpoint is the signalling URL clients connect to.
	Endpoint() string
}

// Grant is a signed access token.
type Grant struct {
	Token     string
	ExpiresAt time.Time
}

// Capability is everything a client needs to join a room.
type Capability struct {
	Token      string `json:"providerToken"`
	Identity   string `json:"providerIdentity"`
	RoomHandle string `json:"roomHandle"`
	Endpoint   string `json:"endpoint"`
}
