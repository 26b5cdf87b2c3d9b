package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

// Type discriminates the two event families the manager emits.
type Type string

const (
	TypeOperationChanged Type = "operation_changed"
	TypeLogAppended      Type = "log_appended"
)

// Event is a change notification for transport-layer listeners. It carries
// enough to render an update without re-querying the store.
type Event struct {
	Type        Type             `json:"type"`
	OperationID string           `json:"operation_id"`
	InstanceID  string           `json:"instance_id"`
	Status      operation.Status `json:"status,omitempty"`
	Line        string           `json:"line,omitempty"`
	At          time.Time        `json:"at"`
}

const defaultSubscriberBuffer = 64

// Bus is an in-process publish/subscribe channel. Delivery is best-effort:
// a slow subscriber loses events instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.Named("eventbus"),
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans the event out without blocking. Events are dropped for
// subscribers whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("event_dropped",
				zap.String("type", string(ev.Type)),
				zap.String("operation_id", ev.OperationID),
			)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
