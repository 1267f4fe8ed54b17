package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type EventType string

const (
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventTrackSubscribed   EventType = "track_subscribed"
	EventTrackUnsubscribed EventType = "track_unsubscribed"
	eventDeviceState       EventType = "device_state"
)

// Event is one provider notification for a joined call.
type Event struct {
	Type     EventType `json:"type"`
	Identity string    `json:"identity,omitempty"`
	TrackID  string    `json:"trackId,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Muted    bool      `json:"muted,omitempty"`
	VideoOff bool      `json:"videoOff,omitempty"`
}

var ErrSessionClosed = errors.New("call session closed")

// Session is a joined call. Events is closed after the final disconnect.
type Session interface {
	Events() <-chan Event
	SetMuted(ctx context.Context, muted bool) error
	SetVideoEnabled(ctx context.Context, enabled bool) error
	HangUp(ctx context.Context) error
	Close() error
}

// DeviceStateReader is implemented by sessions that can report what the
// platform believes the local devices are doing.
type DeviceStateReader interface {
	DeviceState(ctx context.Context) (muted, videoOff bool, err error)
}

// WSDialer joins calls over the platform's websocket signalling channel.
type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer() *WSDialer {
	return &WSDialer{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (d *WSDialer) Join(ctx context.Context, c Capability) (Session, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room", c.RoomHandle)
	q.Set("identity", c.Identity)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: join returned %d", ErrUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 32),
		closed: make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

type controlMessage struct {
	Action string `json:"action"`
	Value  bool   `json:"value"`
}

type wsSession struct {
	conn   *websocket.Conn
	events chan Event
	closed chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	stateMu  sync.RWMutex
	muted    bool
	videoOff bool
}

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) SetMuted(ctx context.Context, muted bool) error {
	return s.send(ctx, controlMessage{Action: "mute", Value: muted})
}

func (s *wsSession) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return s.send(ctx, controlMessage{Action: "video", Value: enabled})
}

func (s *wsSession) HangUp(ctx context.Context) error {
	err := s.send(ctx, controlMessage{Action: "leave"})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *wsSession) DeviceState(_ context.Context) (bool, bool, error) {
	select {
	case <-s.closed:
		return false, false, ErrSessionClosed
	default:
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.muted, s.videoOff, nil
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) send(ctx context.Context, msg controlMessage) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) readPump() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := "closed"
			select {
			case <-s.closed:
			default:
				reason = err.Error()
			}
			s.deliver(Event{Type: EventDisconnected, Reason: reason})
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		if ev.Type == eventDeviceState {
			s.stateMu.Lock()
			s.muted, s.videoOff = ev.Muted, ev.VideoOff
			s.stateMu.Unlock()
			continue
		}

		s.deliver(ev)
		if ev.Type == EventDisconnected {
			return
		}
	}
}

// deliver blocks until the consumer takes the event or the session closes.
// The final disconnect is still offered for a few seconds after close.
func (s *wsSession) deliver(ev Event) {
	if ev.Type == EventDisconnected {
		select {
		case s.events <- ev:
		case <-time.After(5 * time.Second):
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
