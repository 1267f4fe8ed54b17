package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telehealth-sessions/internal/events"
)

// EventBus publishes room events over Redis pub/sub so every API instance's
// watchers see transitions made by any other instance.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func (b *EventBus) Publish(ctx context.Context, ev events.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	if err := b.client.Publish(ctx, events.Topic(ev.AppointmentID), data).Err(); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context, appointmentID string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, events.Topic(appointmentID))

	// wait for the subscription confirmation so no event published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe room events: %w", err)
	}

	out := make(chan []byte, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}
