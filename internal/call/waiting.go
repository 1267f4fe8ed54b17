package call

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/api"
)

// PollInterval is how often a waiting party re-reads room status.
const PollInterval = 5 * time.Second

// StatusReader is the piece of the API the waiting room polls.
type StatusReader interface {
	RoomStatus(ctx context.Context, appointmentID string) (*api.RoomStatusResponse, error)
}

// WaitForRoom polls room status until ready accepts it. NO_ROOM is the
// expected answer until the clinician creates the room and is not an
// error; any other failure is logged and retried on the next tick. A nil
// ready accepts the first status read.
func WaitForRoom(ctx context.Context, r StatusReader, appointmentID string, interval time.Duration,
	ready func(*api.RoomStatusResponse) bool, logger zerolog.Logger) (*api.RoomStatusResponse, error) {
	if interval <= 0 {
		interval = PollInterval
	}
	if ready == nil {
		ready = func(*api.RoomStatusResponse) bool { return true }
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := r.RoomStatus(ctx, appointmentID)
		switch {
		case err == nil:
			if ready(status) {
				return status, nil
			}
			logger.Debug().Str("status", status.Status).Msg("room not ready yet")
		case HasCode(err, api.CodeNoRoom):
			logger.Debug().Msg("waiting for room to be created")
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			logger.Warn().Err(err).Msg("room status poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
