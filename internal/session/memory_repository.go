package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps rooms and participants in process. It backs the
// memory store driver and tests; one mutex makes every method atomic.
type MemoryRepository struct {
	mu            sync.Mutex
	rooms         map[uuid.UUID]Room
	byAppointment map[string]uuid.UUID
	participants  []Participant
	events        []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:         make(map[uuid.UUID]Room),
		byAppointment: make(map[string]uuid.UUID),
	}
}

func (m *MemoryRepository) InsertRoomIfAbsent(_ context.Context, room Room) (*Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byAppointment[room.AppointmentID]; ok {
		existing := m.rooms[id]
		return &existing, false, nil
	}
	m.rooms[room.ID] = room
	m.byAppointment[room.AppointmentID] = room.ID
	return &room, true, nil
}

func (m *MemoryRepository) GetRoomByAppointment(_ context.Context, appointmentID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byAppointment[appointmentID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r := m.rooms[id]
	return &r, nil
}

func (m *MemoryRepository) GetRoomByID(_ context.Context, id uuid.UUID) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) EndRoom(_ context.Context, id uuid.UUID, at time.Time) (*Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	if !CanAdvance(r.Status, StatusEnded) {
		return &r, false, nil
	}
	r.Status = StatusEnded
	r.EndedAt = &at
	m.rooms[id] = r
	return &r, true, nil
}

func (m *MemoryRepository) ListExpiredOpenRooms(_ context.Context, now time.Time) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Room
	for _, r := range m.rooms {
		if r.Status != StatusEnded && r.ValidUntil.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(out[j].ValidUntil) })
	return out, nil
}

func (m *MemoryRepository) RecordJoin(_ context.Context, p Participant) (*Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[p.RoomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	if r.Status == StatusEnded {
		return nil, false, ErrRoomEnded
	}

	m.participants = append(m.participants, p)

	activated := false
	if r.Status == StatusCreated {
		at := p.JoinedAt
		r.Status = StatusActive
		r.StartedAt = &at
		m.rooms[r.ID] = r
		activated = true
	}
	return &r, activated, nil
}

func (m *MemoryRepository) GetParticipant(_ context.Context, id uuid.UUID) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.participants {
		if m.participants[i].ID == id {
			p := m.participants[i]
			return &p, nil
		}
	}
	return nil, ErrParticipantNotFound
}

func (m *MemoryRepository) MarkParticipantLeft(_ context.Context, id uuid.UUID, at time.Time) (*Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.participants {
		p := &m.participants[i]
		if p.ID != id {
			continue
		}
		if p.LeftAt != nil {
			out := *p
			return &out, false, nil
		}
		left := at
		p.LeftAt = &left
		out := *p
		return &out, true, nil
	}
	return nil, false, ErrParticipantNotFound
}

func (m *MemoryRepository) ListParticipants(_ context.Context, roomID uuid.UUID) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Participant
	for _, p := range m.participants {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryRepository) LatestParticipant(ctx context.Context, roomID uuid.UUID, t ParticipantType) (*Participant, error) {
	ps, err := m.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p := LatestOf(ps, t)
	if p == nil {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit trail.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}
