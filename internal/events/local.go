package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalBus is an in-process Bus for single-instance deployments and tests.
// Slow subscribers miss events instead of blocking publishers.
type LocalBus struct {
	mu     sync.RWMutex
	topics map[string]map[chan []byte]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{topics: make(map[string]map[chan []byte]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.topics[Topic(ev.AppointmentID)] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, appointmentID string) (<-chan []byte, func(), error) {
	topic := Topic(appointmentID)
	ch := make(chan []byte, 16)

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[chan []byte]struct{})
	}
	b.topics[topic][ch] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.topics[topic], ch)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// SubscriberCount reports how many subscribers a topic has.
func (b *LocalBus) SubscriberCount(appointmentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[Topic(appointmentID)])
}
