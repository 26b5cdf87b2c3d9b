package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(zap.NewNop())

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{
		Type:        TypeOperationChanged,
		OperationID: "op_1",
		InstanceID:  "iv-abc",
		Status:      operation.StatusRunning,
	})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeOperationChanged, ev.Type)
		assert.Equal(t, "op_1", ev.OperationID)
		assert.Equal(t, operation.StatusRunning, ev.Status)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestPublish_FanOut(t *testing.T) {
	bus := New(zap.NewNop())

	ch1, cancel1 := bus.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(1)
	defer cancel2()

	bus.Publish(Event{Type: TypeLogAppended, OperationID: "op_1", Line: "hello"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "hello", ev.Line)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber")
		}
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New(zap.NewNop())

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeLogAppended, OperationID: "op_1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCancel_ClosesChannelAndUnsubscribes(t *testing.T) {
	bus := New(zap.NewNop())

	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// cancelling twice is harmless
	cancel()
}
