// Package session is the server side of a telehealth call: one room per
// appointment, its validity window, who is present, and access grants.
package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/events"
	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

// Deps wires the session core. Repo, Provider and Consent are required.
type Deps struct {
	Repo     Repository
	Provider video.Provider
	Consent  ConsentReader
	// Locker serialises room creation per appointment. Defaults to a
	// process-local lock.
	Locker redisclient.Locker
	// Events receives room changes. Defaults to discarding them.
	Events events.Publisher
	Logger zerolog.Logger
	Now    func() time.Time
}

type Service struct {
	Rooms    *RoomManager
	Presence *PresenceTracker
	Joins    *JoinAuthorizer
}

func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	rec := &recorder{repo: d.Repo, pub: d.Events, logger: d.Logger}

	rooms := &RoomManager{
		repo:     d.Repo,
		provider: d.Provider,
		consent:  d.Consent,
		locker:   d.Locker,
		rec:      rec,
		logger:   d.Logger,
		now:      d.Now,
	}
	presence := &PresenceTracker{
		repo:   d.Repo,
		rooms:  rooms,
		rec:    rec,
		logger: d.Logger,
		now:    d.Now,
	}
	joins := &JoinAuthorizer{
		rooms:    rooms,
		presence: presence,
		provider: d.Provider,
		logger:   d.Logger,
		now:      d.Now,
	}

	return &Service{Rooms: rooms, Presence: presence, Joins: joins}
}
