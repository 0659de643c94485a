package coord

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/pkg/models"
)

// maxFrameBytes bounds a single wire frame.
const maxFrameBytes = 4 * 1024 * 1024

// writeTimeout bounds a single envelope write so one stuck worker cannot
// wedge the dispatch path.
const writeTimeout = 5 * time.Second

// conn wraps one worker connection. Frames are newline-delimited JSON
// envelopes; writes are serialized by wmu.
type conn struct {
	nc  net.Conn
	wmu sync.Mutex
	enc *json.Encoder
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, enc: json.NewEncoder(nc)}
}

// send writes one envelope frame. json.Encoder terminates each value with
// a newline, which is exactly the wire framing.
func (cn *conn) send(env models.Envelope) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	cn.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cn.enc.Encode(env)
}

func (cn *conn) close() {
	cn.nc.Close()
}

// ── Accepting & Dispatch ─────────────────────────────────────

// acceptLoop accepts worker connections until the listener closes.
func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		nc, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("coordinator: accept failed")
			continue
		}
		c.wg.Add(1)
		go c.handleConn(nc)
	}
}

// handleConn reads frames from one worker connection. The first accepted
// frame must be an agent_registration; until then every other frame is
// answered with an error envelope. On exit the worker is deregistered,
// unless a newer connection has re-registered the same identity.
func (c *Coordinator) handleConn(nc net.Conn) {
	defer c.wg.Done()
	defer nc.Close()

	cn := newConn(nc)
	agentID := ""
	defer func() {
		if agentID != "" {
			c.deregister(agentID, cn)
		}
	}()

	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.sendError(cn, "invalid JSON frame")
			continue
		}
		if !env.Type.Valid() {
			c.sendError(cn, "unknown message type: "+string(env.Type))
			continue
		}

		if env.Type == models.TypeAgentRegistration {
			var reg models.RegistrationPayload
			if err := decodePayload(env, &reg); err != nil {
				c.sendError(cn, "invalid registration payload")
				continue
			}
			if env.Sender == "" {
				c.sendError(cn, "registration requires a sender id")
				continue
			}
			agentID = env.Sender
			c.register(agentID, reg.Capabilities, cn)
			continue
		}

		if agentID == "" {
			c.sendError(cn, "not registered")
			continue
		}
		c.handleEnvelope(agentID, env)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("worker", agentID).Msg("coordinator: connection read ended")
	}
}

// register records a worker's connection and capabilities, then confirms.
// A re-registration under the same id replaces the previous connection
// (last one wins).
func (c *Coordinator) register(agentID string, capabilities []string, cn *conn) {
	c.mu.Lock()
	old := c.conns[agentID]
	c.conns[agentID] = cn
	c.caps[agentID] = &models.AgentCapabilities{
		AgentID:       agentID,
		Capabilities:  capabilities,
		LastHeartbeat: time.Now().UTC(),
	}
	c.mu.Unlock()

	if old != nil && old != cn {
		old.close()
	}

	confirm := models.NewEnvelope(models.TypeAgentRegistration, senderName, agentID,
		models.RegisteredPayload{Status: "registered", AgentID: agentID})
	if err := cn.send(confirm); err != nil {
		log.Warn().Err(err).Str("worker", agentID).Msg("coordinator: registration confirm failed")
		c.dropConn(agentID, cn)
		return
	}
	log.Info().
		Str("worker", agentID).
		Strs("capabilities", capabilities).
		Msg("coordinator: worker registered")
}

// deregister removes the worker if cn is still its live connection.
func (c *Coordinator) deregister(agentID string, cn *conn) {
	c.mu.Lock()
	current, ok := c.conns[agentID]
	if !ok || current != cn {
		c.mu.Unlock()
		return
	}
	delete(c.conns, agentID)
	delete(c.caps, agentID)
	c.mu.Unlock()
	log.Info().Str("worker", agentID).Msg("coordinator: worker disconnected")
}

// dropConn removes and closes a connection after a send failure. The
// worker's registration record is cleaned up by its reader goroutine.
func (c *Coordinator) dropConn(agentID string, cn *conn) {
	c.mu.Lock()
	if current, ok := c.conns[agentID]; ok && current == cn {
		delete(c.conns, agentID)
	}
	c.mu.Unlock()
	cn.close()
}

// sendError answers a malformed or unprocessable frame. The connection
// stays open.
func (c *Coordinator) sendError(cn *conn, msg string) {
	env := models.NewEnvelope(models.TypeCoordination, senderName, "", models.ErrorPayload{Error: msg})
	if err := cn.send(env); err != nil {
		log.Debug().Err(err).Msg("coordinator: error reply failed")
	}
}

// handleEnvelope dispatches one frame from a registered worker. Every
// inbound envelope refreshes the worker's heartbeat; the switch is
// exhaustive over the closed MessageType set.
func (c *Coordinator) handleEnvelope(agentID string, env models.Envelope) {
	c.mu.Lock()
	if rec, ok := c.caps[agentID]; ok {
		rec.LastHeartbeat = time.Now().UTC()
	}
	c.mu.Unlock()

	switch env.Type {
	case models.TypeTaskResponse:
		c.handleTaskResponse(agentID, env)
	case models.TypeAgentHeartbeat:
		c.handleHeartbeat(agentID, env)
	case models.TypeCoordination, models.TypeBroadcast:
		// Advisory traffic between workers; nothing to track here.
		log.Debug().Str("worker", agentID).Str("type", string(env.Type)).Msg("coordinator: ignoring envelope")
	case models.TypeTaskRequest, models.TypeTaskUpdate:
		// Server-originated types; a worker should never send them.
		log.Debug().Str("worker", agentID).Str("type", string(env.Type)).Msg("coordinator: ignoring server-bound envelope")
	case models.TypeAgentRegistration:
		// Handled in handleConn before dispatch.
	}
}

// handleTaskResponse applies a worker's completion report. Responses for
// unknown or already-terminal tasks are ignored.
func (c *Coordinator) handleTaskResponse(agentID string, env models.Envelope) {
	var resp models.TaskResponsePayload
	if err := decodePayload(env, &resp); err != nil {
		log.Warn().Err(err).Str("worker", agentID).Msg("coordinator: bad task response")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[resp.TaskID]
	if !ok || task.Status.Terminal() {
		log.Debug().Str("task", resp.TaskID).Str("worker", agentID).Msg("coordinator: dropping stale task response")
		return
	}

	if resp.Success {
		task.Status = models.TaskStatusCompleted
		if len(resp.Result) > 0 {
			var result any
			if err := json.Unmarshal(resp.Result, &result); err == nil {
				task.Result = result
			}
		}
		log.Info().Str("task", task.ID).Str("worker", agentID).Msg("coordinator: task completed")
		return
	}

	task.Status = models.TaskStatusFailed
	task.Error = resp.Error
	if task.Error == "" {
		task.Error = "Unknown error"
	}
	log.Warn().Str("task", task.ID).Str("worker", agentID).Str("error", task.Error).Msg("coordinator: task failed")
}

// handleHeartbeat refreshes a worker's advisory load factor.
func (c *Coordinator) handleHeartbeat(agentID string, env models.Envelope) {
	var hb models.HeartbeatPayload
	if err := decodePayload(env, &hb); err != nil {
		log.Debug().Err(err).Str("worker", agentID).Msg("coordinator: bad heartbeat payload")
		return
	}
	c.mu.Lock()
	if rec, ok := c.caps[agentID]; ok {
		rec.LoadFactor = hb.LoadFactor
	}
	c.mu.Unlock()
}
