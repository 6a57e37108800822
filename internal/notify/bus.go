// Package notify implements the vm.notify transport: publishing an
// accepted event's effects to whoever is listening, once it has
// retired (spec.md §4.C's retire watermark guarantees this happens in
// commit order).
//
// Broadcaster is the interface the pipeline depends on; Bus is an
// in-process implementation adapted from the teacher's
// internal/events.EventBus, and RedisBroadcaster is a real distributed
// transport adapted from internal/infra.GoRedisAdapter, both
// satisfying it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ocx/evmd/internal/event"
)

// Broadcaster publishes a committed event to subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// Notification is the envelope published to subscribers, the EVM
// equivalent of the teacher's CloudEvent wrapper: enough routing
// metadata (room, type) to filter on without unmarshaling the whole
// event. Broadcaster.Publish receives only the event, so neither Bus
// nor RedisBroadcaster fills Sequence; it is always 0.
type Notification struct {
	RoomID   string       `json:"room_id"`
	Type     string       `json:"type"`
	Sequence int64        `json:"sequence"`
	Event    *event.Event `json:"event"`
}

// Bus is an in-process pub/sub broadcaster. Subscribers receive
// notifications on a buffered channel; a full channel drops the
// notification rather than blocking the retire path, the same
// best-effort delivery the teacher's EventBus gives HTTP/SSE
// subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Notification // room_id -> channels; "" means all rooms
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Notification),
		bufferSize:  64,
	}
}

// Subscribe returns a channel receiving notifications for roomID, or
// every room's notifications if roomID is empty.
func (b *Bus) Subscribe(roomID string) chan *Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Notification, b.bufferSize)
	b.subscribers[roomID] = append(b.subscribers[roomID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(roomID string, ch chan *Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[roomID]
	filtered := make([]chan *Notification, 0, len(subs))
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subscribers[roomID] = filtered
	close(ch)
}

// Publish implements Broadcaster.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) error {
	n := &Notification{RoomID: ev.RoomID, Type: ev.Type, Event: ev}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.RoomID] {
		select {
		case ch <- n:
		default:
		}
	}
	for _, ch := range b.subscribers[""] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// SubscriberCount reports the total number of active subscriptions,
// for diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

var _ Broadcaster = (*Bus)(nil)

func marshalNotification(ev *event.Event) ([]byte, error) {
	n := Notification{RoomID: ev.RoomID, Type: ev.Type, Event: ev}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("notify: marshaling notification: %w", err)
	}
	return b, nil
}
