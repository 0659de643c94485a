// Package bus implements the in-process publish/subscribe message bus.
// Agents join named rooms; a posted message fans out to every agent
// subscribed to its room at post time and is appended to the room's
// in-memory log.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/pkg/models"
)

// Subscriber is anything that can receive a message from the bus. The bus
// holds non-owning references; subscribers manage their own lifecycle.
type Subscriber interface {
	// Name uniquely identifies the subscriber within the bus.
	Name() string

	// Deliver hands a message to the subscriber. It must not block for
	// long; a subscriber with a full inbox should return an error instead.
	Deliver(msg models.Message) error
}

// room tracks the subscriber set and raw message log of one named channel.
// Rooms are created lazily on first join or post and live for the process
// lifetime.
type room struct {
	name        string
	subscribers []Subscriber // join order
	history     []models.Message
}

func (r *room) indexOf(sub Subscriber) int {
	for i, s := range r.subscribers {
		if s == sub {
			return i
		}
	}
	return -1
}

// Bus routes messages between agents in rooms. The room registry is owned
// state guarded by one mutex, so independent Bus instances can coexist.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{rooms: make(map[string]*room)}
}

// getRoom returns the named room, creating it if needed. Callers must hold mu.
func (b *Bus) getRoom(name string) *room {
	r, ok := b.rooms[name]
	if !ok {
		r = &room{name: name}
		b.rooms[name] = r
	}
	return r
}

// Join subscribes an agent to a room. Joining twice is a no-op.
func (b *Bus) Join(roomName string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.getRoom(roomName)
	if r.indexOf(sub) < 0 {
		r.subscribers = append(r.subscribers, sub)
	}
}

// Leave unsubscribes an agent from a room. Leaving a room the agent never
// joined is a no-op.
func (b *Bus) Leave(roomName string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomName]
	if !ok {
		return
	}
	if i := r.indexOf(sub); i >= 0 {
		r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
	}
}

// Post appends the message to its room's log and delivers it to every
// subscriber observed at post time. Deliveries are independent: a failure
// for one subscriber (for example a full inbox) is logged and does not
// prevent delivery to the others. There is no retry; callers that need
// guaranteed capture rely on the history store's recording agent.
//
// Ordering: a subscriber sees posts from a single caller in order. Ordering
// across concurrent posters is undefined.
func (b *Bus) Post(msg models.Message) {
	b.mu.Lock()
	r := b.getRoom(msg.Room)
	r.history = append(r.history, msg)
	subs := make([]Subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Deliver(msg); err != nil {
			log.Warn().
				Err(err).
				Str("room", msg.Room).
				Str("subscriber", sub.Name()).
				Msg("bus: delivery failed")
		}
	}
}

// Rooms returns the names of all rooms created so far.
func (b *Bus) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.rooms))
	for name := range b.rooms {
		names = append(names, name)
	}
	return names
}

// Agents returns the names of the current subscribers of a room.
func (b *Bus) Agents(roomName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomName]
	if !ok {
		return nil
	}
	names := make([]string, len(r.subscribers))
	for i, s := range r.subscribers {
		names[i] = s.Name()
	}
	return names
}

// History returns a copy of a room's in-memory message log.
func (b *Bus) History(roomName string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(r.history))
	copy(out, r.history)
	return out
}
