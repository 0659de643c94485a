// Package coord implements the task coordinator: a TCP endpoint speaking a
// JSON-lines envelope protocol, a registry of connected workers with their
// capabilities and load, capability-matched least-loaded task assignment,
// heartbeat-based worker eviction, and a periodic retry/timeout sweep.
//
// All coordinator state is process-local and owned by one Coordinator
// instance; workers must re-register after a restart.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/pkg/models"
)

// senderName identifies the coordinator in envelopes it originates.
const senderName = "coordinator"

const (
	defaultSweepInterval     = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleAfter        = 60 * time.Second
	defaultTimeoutSeconds    = 300
	defaultPriority          = 1
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskTerminal is returned when cancelling a completed, failed, or
// already-cancelled task.
var ErrTaskTerminal = errors.New("task already in a terminal state")

// ErrAlreadyRunning is returned when starting a started coordinator.
var ErrAlreadyRunning = errors.New("coordinator already running")

// Coordinator tracks connected workers and distributes tasks to them.
// Worker and task maps are guarded by one mutex; every task mutation goes
// through this single instance.
type Coordinator struct {
	sweepInterval     time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration

	mu    sync.Mutex
	conns map[string]*conn                     // agent id → live connection
	caps  map[string]*models.AgentCapabilities // agent id → registration record
	tasks map[string]*models.TaskDefinition    // task id → definition

	ln      net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option customizes a coordinator. The interval options exist mainly so
// tests can run the background loops at millisecond scale.
type Option func(*Coordinator)

// WithSweepInterval sets the period of the pending-task retry/timeout sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithHeartbeatInterval sets the period of the stale-worker check.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithStaleAfter sets how long a worker may stay silent before eviction.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// New creates a coordinator. It accepts no connections until Start.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		sweepInterval:     defaultSweepInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		staleAfter:        defaultStaleAfter,
		conns:             make(map[string]*conn),
		caps:              make(map[string]*models.AgentCapabilities),
		tasks:             make(map[string]*models.TaskDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start listens on addr and launches the accept, sweep, and heartbeat loops.
func (c *Coordinator) Start(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator listen: %w", err)
	}
	c.ln = ln
	c.running = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(3)
	go c.acceptLoop(ctx)
	go c.sweepLoop(ctx)
	go c.heartbeatLoop(ctx)

	log.Info().Str("addr", ln.Addr().String()).Msg("coordinator: listening")
	return nil
}

// Addr returns the bound listen address, useful with ":0" in tests.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Stop closes the listener and every worker connection, stops the
// background loops, and waits for them to exit. Task state is retained.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	ln := c.ln
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[string]*conn)
	c.caps = make(map[string]*models.AgentCapabilities)
	c.mu.Unlock()

	cancel()
	ln.Close()
	for _, cn := range conns {
		cn.close()
	}
	c.wg.Wait()
	log.Info().Msg("coordinator: stopped")
}

// ── Task API ─────────────────────────────────────────────────

// SubmitTask registers a new pending task and immediately attempts
// assignment. It returns the task id.
func (c *Coordinator) SubmitTask(spec models.TaskSpec) string {
	if spec.Priority == 0 {
		spec.Priority = defaultPriority
	}
	if spec.TimeoutSeconds <= 0 {
		spec.TimeoutSeconds = defaultTimeoutSeconds
	}
	task := &models.TaskDefinition{
		ID:                   uuid.New().String(),
		Type:                 spec.Type,
		Description:          spec.Description,
		Payload:              spec.Payload,
		RequiredCapabilities: spec.RequiredCapabilities,
		Priority:             spec.Priority,
		TimeoutSeconds:       spec.TimeoutSeconds,
		CreatedAt:            time.Now().UTC(),
		Status:               models.TaskStatusPending,
	}

	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()

	log.Info().
		Str("task", task.ID).
		Str("type", task.Type).
		Strs("requires", task.RequiredCapabilities).
		Msg("coordinator: task submitted")

	c.tryAssign(task.ID)
	return task.ID
}

// TaskStatus returns a copy of the task's current definition.
func (c *Coordinator) TaskStatus(id string) (models.TaskDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return models.TaskDefinition{}, ErrTaskNotFound
	}
	return *task, nil
}

// Tasks returns copies of all known tasks, oldest first.
func (c *Coordinator) Tasks() []models.TaskDefinition {
	c.mu.Lock()
	out := make([]models.TaskDefinition, 0, len(c.tasks))
	for _, task := range c.tasks {
		out = append(out, *task)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelTask cancels a pending or running task. If the task is running,
// the assigned worker is told to abandon it, best effort — the worker is
// not required to acknowledge.
func (c *Coordinator) CancelTask(id string) error {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
	}
	assigned := task.AssignedAgent
	task.Status = models.TaskStatusCancelled
	cn := c.conns[assigned]
	c.mu.Unlock()

	log.Info().Str("task", id).Str("worker", assigned).Msg("coordinator: task cancelled")

	if assigned != "" && cn != nil {
		env := models.NewEnvelope(models.TypeTaskUpdate, senderName, assigned, models.TaskUpdatePayload{
			TaskID: id,
			Action: "cancel",
		})
		if err := cn.send(env); err != nil {
			log.Warn().Err(err).Str("worker", assigned).Msg("coordinator: cancel notify failed")
		}
	}
	return nil
}

// ── Assignment ───────────────────────────────────────────────

// hasAll reports whether have is a superset of want.
func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// tryAssign attempts to hand a pending task to the least-loaded connected
// worker whose capability set covers the task's requirements. Ties are
// broken by map iteration order; load factors are advisory so this is
// deliberately not deterministic. If the dispatch send fails the task rolls
// back to pending.
func (c *Coordinator) tryAssign(id string) bool {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok || task.Status != models.TaskStatusPending {
		c.mu.Unlock()
		return false
	}

	chosen := ""
	var chosenLoad float64
	for agentID, rec := range c.caps {
		if _, connected := c.conns[agentID]; !connected {
			continue
		}
		if !hasAll(rec.Capabilities, task.RequiredCapabilities) {
			continue
		}
		if chosen == "" || rec.LoadFactor < chosenLoad {
			chosen = agentID
			chosenLoad = rec.LoadFactor
		}
	}
	if chosen == "" {
		c.mu.Unlock()
		return false
	}

	task.AssignedAgent = chosen
	task.Status = models.TaskStatusRunning
	cn := c.conns[chosen]
	payload := models.TaskRequestPayload{Task: models.TaskAssignment{
		ID:             task.ID,
		Type:           task.Type,
		Description:    task.Description,
		Payload:        task.Payload,
		TimeoutSeconds: task.TimeoutSeconds,
	}}
	c.mu.Unlock()

	env := models.NewEnvelope(models.TypeTaskRequest, senderName, chosen, payload)
	if err := cn.send(env); err != nil {
		log.Warn().Err(err).Str("task", id).Str("worker", chosen).Msg("coordinator: dispatch failed")
		c.dropConn(chosen, cn)
		c.mu.Lock()
		if task.Status == models.TaskStatusRunning && task.AssignedAgent == chosen {
			task.AssignedAgent = ""
			task.Status = models.TaskStatusPending
		}
		c.mu.Unlock()
		return false
	}

	log.Info().Str("task", id).Str("worker", chosen).Msg("coordinator: task assigned")
	return true
}

// sweepLoop periodically fails timed-out pending tasks and retries
// assignment of the rest. This is how tasks submitted before any capable
// worker connects eventually get picked up. Deadline precision is bounded
// by the sweep interval.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep runs one scheduler pass over pending tasks, highest priority and
// oldest first.
func (c *Coordinator) sweep() {
	now := time.Now().UTC()

	c.mu.Lock()
	var pending []*models.TaskDefinition
	for _, task := range c.tasks {
		if task.Status == models.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	var retry []string
	for _, task := range pending {
		if now.Sub(task.CreatedAt) > time.Duration(task.TimeoutSeconds)*time.Second {
			task.Status = models.TaskStatusFailed
			task.Error = "Task timeout"
			log.Warn().Str("task", task.ID).Msg("coordinator: task timed out unassigned")
			continue
		}
		retry = append(retry, task.ID)
	}
	c.mu.Unlock()

	for _, id := range retry {
		c.tryAssign(id)
	}
}

// ── Worker Liveness ──────────────────────────────────────────

// heartbeatLoop periodically deregisters workers whose last heartbeat is
// older than the staleness threshold. Tasks already running on an evicted
// worker are left as-is: there is no automatic requeue.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

// evictStale drops every worker that has stopped heartbeating.
func (c *Coordinator) evictStale() {
	now := time.Now().UTC()

	c.mu.Lock()
	var stale []*conn
	for agentID, rec := range c.caps {
		if now.Sub(rec.LastHeartbeat) <= c.staleAfter {
			continue
		}
		log.Warn().
			Str("worker", agentID).
			Dur("silent_for", now.Sub(rec.LastHeartbeat)).
			Msg("coordinator: removing stale worker")
		delete(c.caps, agentID)
		if cn, ok := c.conns[agentID]; ok {
			delete(c.conns, agentID)
			stale = append(stale, cn)
		}
	}
	c.mu.Unlock()

	for _, cn := range stale {
		cn.close()
	}
}

// ── Introspection ────────────────────────────────────────────

// AgentInfo describes one registered worker for status endpoints.
type AgentInfo struct {
	models.AgentCapabilities
	Connected    bool    `json:"connected"`
	HeartbeatAge float64 `json:"heartbeat_age_seconds"`
}

// ConnectedAgents lists every registered worker with its heartbeat age.
func (c *Coordinator) ConnectedAgents() []AgentInfo {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentInfo, 0, len(c.caps))
	for agentID, rec := range c.caps {
		_, connected := c.conns[agentID]
		out = append(out, AgentInfo{
			AgentCapabilities: *rec,
			Connected:         connected,
			HeartbeatAge:      now.Sub(rec.LastHeartbeat).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Status summarizes the coordinator for status endpoints.
type Status struct {
	Running          bool                      `json:"running"`
	Addr             string                    `json:"addr"`
	ConnectedAgents  int                       `json:"connected_agents"`
	RegisteredAgents int                       `json:"registered_agents"`
	ActiveTasks      int                       `json:"active_tasks"`
	TasksByStatus    map[models.TaskStatus]int `json:"tasks_by_status"`
}

// SystemStatus reports the current worker and task counts.
func (c *Coordinator) SystemStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	byStatus := make(map[models.TaskStatus]int)
	for _, task := range c.tasks {
		byStatus[task.Status]++
	}
	addr := ""
	if c.ln != nil {
		addr = c.ln.Addr().String()
	}
	return Status{
		Running:          c.running,
		Addr:             addr,
		ConnectedAgents:  len(c.conns),
		RegisteredAgents: len(c.caps),
		ActiveTasks:      len(c.tasks),
		TasksByStatus:    byStatus,
	}
}

// ── Broadcast ────────────────────────────────────────────────

// Broadcast sends an envelope to every connected worker, best effort. A
// per-worker send failure is logged and that worker's connection dropped;
// delivery to the rest continues.
func (c *Coordinator) Broadcast(t models.MessageType, payload any) {
	c.mu.Lock()
	targets := make(map[string]*conn, len(c.conns))
	for agentID, cn := range c.conns {
		targets[agentID] = cn
	}
	c.mu.Unlock()

	for agentID, cn := range targets {
		env := models.NewEnvelope(t, senderName, agentID, payload)
		if err := cn.send(env); err != nil {
			log.Warn().Err(err).Str("worker", agentID).Msg("coordinator: broadcast send failed")
			c.dropConn(agentID, cn)
		}
	}
}

// decodePayload unmarshals an envelope payload into a typed struct.
func decodePayload(env models.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, v)
}
