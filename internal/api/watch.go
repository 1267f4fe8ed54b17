package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/metrics"
	"github.com/hackgods/telehealth-sessions/internal/session"
)

const (
	watchWriteWait  = 5 * time.Second
	watchPingPeriod = 30 * time.Second
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchHandler pushes a fresh room status snapshot every time a room event
// is published for the appointment. A watch may start before the room
// exists; its first frame then carries NO_ROOM. The socket is closed after
// the snapshot for room.ended since nothing can follow it.
func watchHandler(rooms RoomService, sub events.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID := chi.URLParam(r, "appointmentId")
		logger := zerolog.Ctx(r.Context()).With().Str("appointment_id", appointmentID).Logger()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		// subscribe before the first snapshot so no event falls in between
		feed, unsubscribe, err := sub.Subscribe(ctx, appointmentID)
		if err != nil {
			logger.Error().Err(err).Msg("room watch subscribe failed")
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not subscribe to room events")
			return
		}
		defer unsubscribe()

		conn, err := watchUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("room watch upgrade failed")
			return
		}
		defer conn.Close()

		metrics.WatchConnections.Inc()
		defer metrics.WatchConnections.Dec()

		// the client only ever closes; reading surfaces that
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := writeFrame(conn, snapshot(ctx, rooms, appointmentID, "snapshot")); err != nil {
			return
		}

		ping := time.NewTicker(watchPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
					return
				}
			case data, ok := <-feed:
				if !ok {
					return
				}
				var ev events.RoomEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					logger.Warn().Err(err).Msg("dropping malformed room event")
					continue
				}
				if err := writeFrame(conn, snapshot(ctx, rooms, appointmentID, ev.Type)); err != nil {
					return
				}
				if ev.Type == events.RoomEnded {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room ended"),
						time.Now().Add(watchWriteWait))
					return
				}
			}
		}
	}
}

func snapshot(ctx context.Context, rooms RoomService, appointmentID, event string) WatchFrame {
	view, err := rooms.GetStatus(ctx, appointmentID)
	switch {
	case err == nil:
		resp := roomStatusResponse(view)
		return WatchFrame{Event: event, Room: &resp}
	case errors.Is(err, session.ErrRoomNotFound):
		return WatchFrame{Event: event, Error: CodeNoRoom}
	default:
		zerolog.Ctx(ctx).Error().Err(err).Str("appointment_id", appointmentID).Msg("room watch snapshot failed")
		return WatchFrame{Event: event, Error: CodeInternal}
	}
}

func writeFrame(conn *websocket.Conn, frame WatchFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
