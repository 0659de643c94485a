// Package worker is the client side of the coordinator wire protocol. A
// worker dials the coordinator, registers its capabilities, heartbeats on an
// interval, and runs a handler for each task request it is assigned.
//
// This package lives in pkg/ so external worker processes can import it
// without depending on coordinator internals.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/pkg/models"
)

// DefaultHeartbeatInterval keeps a worker comfortably under the
// coordinator's 60s staleness threshold.
const DefaultHeartbeatInterval = 15 * time.Second

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	maxFrameBytes    = 4 * 1024 * 1024
)

// ErrRegistrationRejected is returned when the coordinator's handshake
// reply is not a registration confirmation.
var ErrRegistrationRejected = errors.New("registration rejected")

// Handler executes one assigned task. The context is cancelled when the
// coordinator cancels the task or the worker shuts down. The returned value
// becomes the task result; a returned error marks the task failed.
type Handler func(ctx context.Context, task models.TaskAssignment) (any, error)

// Worker is a registered coordinator client.
type Worker struct {
	id      string
	conn    net.Conn
	enc     *json.Encoder
	wmu     sync.Mutex
	handler Handler

	hbInterval  time.Duration
	onBroadcast func(models.Envelope)

	loadMu sync.Mutex
	load   float64

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Option customizes a worker.
type Option func(*Worker)

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.hbInterval = d
		}
	}
}

// WithBroadcastHandler registers a callback for broadcast and coordination
// envelopes. The callback runs on the read loop; it should return quickly.
func WithBroadcastHandler(fn func(models.Envelope)) Option {
	return func(w *Worker) { w.onBroadcast = fn }
}

// Connect dials the coordinator, performs the registration handshake, and
// starts the read and heartbeat loops. id must be unique per worker; a
// later registration under the same id displaces this one.
func Connect(addr, id string, capabilities []string, handler Handler, opts ...Option) (*Worker, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}

	w := &Worker{
		id:         id,
		conn:       nc,
		enc:        json.NewEncoder(nc),
		handler:    handler,
		hbInterval: DefaultHeartbeatInterval,
		inflight:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}

	reg := models.NewEnvelope(models.TypeAgentRegistration, id, "",
		models.RegistrationPayload{Capabilities: capabilities})
	if err := w.send(reg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("send registration: %w", err)
	}

	// The confirmation is the first frame the coordinator sends us.
	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReaderSize(nc, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("await registration confirm: %w", err)
	}
	nc.SetReadDeadline(time.Time{})

	var confirm models.Envelope
	if err := json.Unmarshal(line, &confirm); err != nil {
		nc.Close()
		return nil, fmt.Errorf("decode registration confirm: %w", err)
	}
	var status models.RegisteredPayload
	if confirm.Type != models.TypeAgentRegistration ||
		json.Unmarshal(confirm.Payload, &status) != nil ||
		status.Status != "registered" {
		nc.Close()
		return nil, fmt.Errorf("%w: got %s frame", ErrRegistrationRejected, confirm.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go w.readLoop(ctx, reader)
	go w.heartbeatLoop(ctx)

	log.Info().Str("worker", id).Str("coordinator", addr).Msg("worker: registered")
	return w, nil
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// SetLoad updates the advisory load factor reported in the next heartbeat.
// Values are clamped to [0, 1].
func (w *Worker) SetLoad(f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	w.loadMu.Lock()
	w.load = f
	w.loadMu.Unlock()
}

// Close cancels in-flight handlers, closes the connection, and waits for
// the background loops to exit.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.conn.Close()
	})
	w.wg.Wait()
}

// send writes one envelope frame.
func (w *Worker) send(env models.Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.enc.Encode(env)
}

// readLoop dispatches inbound frames until the connection closes.
func (w *Worker) readLoop(ctx context.Context, reader *bufio.Reader) {
	defer w.wg.Done()
	sc := bufio.NewScanner(reader)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			log.Warn().Err(err).Str("worker", w.id).Msg("worker: bad frame from coordinator")
			continue
		}
		w.dispatch(ctx, env)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Str("worker", w.id).Msg("worker: connection lost")
	}
}

// dispatch routes one envelope. The switch is exhaustive over the closed
// MessageType set.
func (w *Worker) dispatch(ctx context.Context, env models.Envelope) {
	switch env.Type {
	case models.TypeTaskRequest:
		var req models.TaskRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Warn().Err(err).Str("worker", w.id).Msg("worker: bad task request payload")
			return
		}
		w.wg.Add(1)
		go w.run(ctx, req.Task)
	case models.TypeTaskUpdate:
		var upd models.TaskUpdatePayload
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			return
		}
		if upd.Action == "cancel" {
			w.cancelTask(upd.TaskID)
		}
	case models.TypeBroadcast, models.TypeCoordination:
		if w.onBroadcast != nil {
			w.onBroadcast(env)
		}
	case models.TypeAgentRegistration, models.TypeAgentHeartbeat, models.TypeTaskResponse:
		// Client-originated or handshake-only types; nothing to do.
	}
}

// run executes one task and reports the outcome.
func (w *Worker) run(parent context.Context, task models.TaskAssignment) {
	defer w.wg.Done()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(task.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	w.inflightMu.Lock()
	w.inflight[task.ID] = cancel
	w.inflightMu.Unlock()
	defer func() {
		w.inflightMu.Lock()
		delete(w.inflight, task.ID)
		w.inflightMu.Unlock()
	}()

	resp := models.TaskResponsePayload{TaskID: task.ID}
	result, err := w.handler(ctx, task)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
		if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.Success = false
				resp.Error = fmt.Sprintf("marshal result: %v", merr)
			} else {
				resp.Result = raw
			}
		}
	}

	env := models.NewEnvelope(models.TypeTaskResponse, w.id, "coordinator", resp)
	if err := w.send(env); err != nil {
		log.Warn().Err(err).Str("worker", w.id).Str("task", task.ID).Msg("worker: response send failed")
	}
}

// cancelTask aborts an in-flight handler, if the task is still running.
func (w *Worker) cancelTask(taskID string) {
	w.inflightMu.Lock()
	cancel, ok := w.inflight[taskID]
	w.inflightMu.Unlock()
	if ok {
		log.Info().Str("worker", w.id).Str("task", taskID).Msg("worker: cancelling task")
		cancel()
	}
}

// heartbeatLoop reports the advisory load on an interval.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.loadMu.Lock()
			load := w.load
			w.loadMu.Unlock()
			env := models.NewEnvelope(models.TypeAgentHeartbeat, w.id, "",
				models.HeartbeatPayload{LoadFactor: load})
			if err := w.send(env); err != nil {
				log.Warn().Err(err).Str("worker", w.id).Msg("worker: heartbeat send failed")
			}
		}
	}
}
