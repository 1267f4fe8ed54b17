package consent

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps consent records in process. It backs the memory
// store driver and tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (m *MemoryRepository) Upsert(_ context.Context, sub Submission, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Record
	if r, ok := m.records[sub.AppointmentID]; ok {
		existing = &r
	}
	next := Apply(existing, sub, at)
	m.records[sub.AppointmentID] = next
	return &next, nil
}

func (m *MemoryRepository) GetByAppointment(_ context.Context, appointmentID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[appointmentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}
