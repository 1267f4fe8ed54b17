package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_DeliversToTopicOnly(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()

	mine, cancelMine, err := bus.Subscribe(ctx, "appt-1")
	require.NoError(t, err)
	defer cancelMine()
	other, cancelOther, err := bus.Subscribe(ctx, "appt-2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, RoomEvent{Type: RoomActivated, AppointmentID: "appt-1", Status: "active"}))

	select {
	case data := <-mine:
		var ev RoomEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, RoomActivated, ev.Type)
		assert.Equal(t, "active", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected event on appt-1")
	}

	select {
	case <-other:
		t.Fatal("appt-2 subscriber should not receive appt-1 events")
	default:
	}
}

func TestLocalBus_CancelUnsubscribes(t *testing.T) {
	bus := NewLocalBus()
	ch, cancel, err := bus.Subscribe(context.Background(), "appt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("appt-1"))

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("appt-1"))
	assert.NoError(t, bus.Publish(context.Background(), RoomEvent{AppointmentID: "appt-1"}))
}

func TestLocalBus_ContextEndUnsubscribes(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, err := bus.Subscribe(ctx, "appt-1")
	require.NoError(t, err)

	cancelCtx()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription should close when ctx ends")
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "room:abc", Topic("abc"))
}
