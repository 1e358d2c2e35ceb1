package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("broadcast bus closed")

const subscriberBuffer = 100

// Bus delivers events to every current subscriber of a room (a chat id or
// session id). Delivery is at-least-once for connected subscribers; there is
// no ordering guarantee across publishers and no replay for late joiners.
// The bus holds no persisted state and tolerates delivery races by design.
//
// A subscriber that stops draining its channel is evicted as if it had
// disconnected, so one stalled socket cannot wedge a room.
type Bus struct {
	mu     sync.Mutex
	rooms  map[string]map[uint64]chan Event
	nextID uint64
	closed atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		rooms: make(map[string]map[uint64]chan Event),
	}
}

// Subscribe joins a room. The cancel function leaves the room and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(room string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[uint64]chan Event)
		b.rooms[room] = subs
	}
	subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.drop(room, id)
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber currently in the room.
func (b *Bus) Publish(room string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	for id, ch := range b.rooms[room] {
		select {
		case ch <- ev:
		default:
			b.drop(room, id)
		}
	}
	return nil
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for room, subs := range b.rooms {
		for id := range subs {
			b.drop(room, id)
		}
	}
}

// drop removes one subscriber and closes its channel. Caller holds b.mu;
// closing under the lock is what keeps Publish from racing a close.
func (b *Bus) drop(room string, id uint64) {
	subs, ok := b.rooms[room]
	if !ok {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.rooms, room)
	}
}
