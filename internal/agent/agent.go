// Package agent provides the actor runtime on top of the bus: a named agent
// with a single-consumer inbox and one background loop that processes
// messages strictly in sequence.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/internal/bus"
	"github.com/triadlabs/triad/pkg/models"
)

// ErrInboxFull is returned by Deliver when the agent's inbox has no room.
// The bus logs and drops the message; loss is silent by design.
var ErrInboxFull = errors.New("agent inbox full")

// ErrAlreadyRunning is returned by Start when the loop is already up.
var ErrAlreadyRunning = errors.New("agent already running")

// DefaultInboxSize bounds an agent's inbox unless overridden.
const DefaultInboxSize = 256

// HandlerFunc processes one inbound message. Handlers for the same agent are
// never invoked concurrently, so per-agent state needs no locking. A returned
// error is converted into an "[error] ..." reply in the originating room; it
// never crashes the loop.
type HandlerFunc func(ctx context.Context, msg models.Message) error

// Kinder lets a handler error label its "[error] <kind>: <message>" reply.
// Errors without a kind are reported as "handler".
type Kinder interface {
	Kind() string
}

// Agent is a named actor attached to a bus. The zero value is not usable;
// construct with New.
type Agent struct {
	name  string
	role  string
	inbox chan models.Message

	handle HandlerFunc

	mu      sync.Mutex
	bus     *bus.Bus
	rooms   map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option customizes a new agent.
type Option func(*Agent)

// WithRole sets the agent's role descriptor (shown in logs and replies).
func WithRole(role string) Option {
	return func(a *Agent) { a.role = role }
}

// WithInboxSize sets the inbox capacity.
func WithInboxSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.inbox = make(chan models.Message, n)
		}
	}
}

// WithHandler sets the message handler. Agents without a handler ignore
// every delivery.
func WithHandler(h HandlerFunc) Option {
	return func(a *Agent) { a.handle = h }
}

// New creates an agent. It is inert until attached to a bus and started.
func New(name string, opts ...Option) *Agent {
	a := &Agent{
		name:  name,
		role:  "agent",
		inbox: make(chan models.Message, DefaultInboxSize),
		rooms: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.name }

// Role returns the agent's role descriptor.
func (a *Agent) Role() string { return a.role }

// Attach connects the agent to a bus. Must be called before Join or Say.
func (a *Agent) Attach(b *bus.Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = b
}

// Join subscribes the agent to a room on its attached bus.
func (a *Agent) Join(room string) {
	a.mu.Lock()
	b := a.bus
	if b != nil {
		a.rooms[room] = struct{}{}
	}
	a.mu.Unlock()
	if b != nil {
		b.Join(room, a)
	}
}

// Leave unsubscribes the agent from a room.
func (a *Agent) Leave(room string) {
	a.mu.Lock()
	b := a.bus
	delete(a.rooms, room)
	a.mu.Unlock()
	if b != nil {
		b.Leave(room, a)
	}
}

// Start spins up the processing loop. Exactly one loop runs per agent.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.loop(ctx, a.done)
	return nil
}

// Stop leaves all rooms, cancels the loop, and waits for it to exit. After
// Stop returns no further message reaches the handler. Stopping a stopped
// agent is a no-op.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	b := a.bus
	rooms := make([]string, 0, len(a.rooms))
	for room := range a.rooms {
		rooms = append(rooms, room)
	}
	a.rooms = make(map[string]struct{})
	a.mu.Unlock()

	if b != nil {
		for _, room := range rooms {
			b.Leave(room, a)
		}
	}
	cancel()
	<-done
}

// Deliver enqueues a message for processing. Called by the bus. It never
// blocks: a full inbox returns ErrInboxFull and the message is dropped.
func (a *Agent) Deliver(msg models.Message) error {
	select {
	case a.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Say posts a message into a room under the agent's own identity.
func (a *Agent) Say(room, content string, role models.Role, meta map[string]any) {
	a.mu.Lock()
	b := a.bus
	a.mu.Unlock()
	if b == nil {
		return
	}
	b.Post(models.NewMessage(room, a.name, content, role, meta))
}

// loop pulls from the inbox and invokes the handler one message at a time.
func (a *Agent) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			a.dispatch(ctx, msg)
		}
	}
}

// dispatch runs the handler for one message, converting an error into a
// visible reply in the originating room.
func (a *Agent) dispatch(ctx context.Context, msg models.Message) {
	if a.handle == nil {
		return
	}
	if err := a.handle(ctx, msg); err != nil {
		kind := "handler"
		var k Kinder
		if errors.As(err, &k) {
			kind = k.Kind()
		}
		log.Warn().
			Err(err).
			Str("agent", a.name).
			Str("room", msg.Room).
			Msg("agent: handler error")
		a.Say(msg.Room, fmt.Sprintf("[error] %s: %v", kind, err), models.RoleSystem, nil)
	}
}
