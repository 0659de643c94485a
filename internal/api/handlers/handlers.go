// Package handlers implements the HTTP handlers for the triad coordination
// core: rooms and messaging on the bus, persisted history and core memory,
// per-room modes, and the task coordinator.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/internal/agent"
	"github.com/triadlabs/triad/internal/bus"
	"github.com/triadlabs/triad/internal/coord"
	"github.com/triadlabs/triad/internal/history"
	"github.com/triadlabs/triad/internal/modes"
	"github.com/triadlabs/triad/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Bus      *bus.Bus
	History  *history.Store
	Modes    *modes.Registry
	Coord    *coord.Coordinator
	Recorder *agent.Agent
}

// New creates a new Handlers instance with all dependencies.
func New(b *bus.Bus, hs *history.Store, m *modes.Registry, c *coord.Coordinator, rec *agent.Agent) *Handlers {
	return &Handlers{Bus: b, History: hs, Modes: m, Coord: c, Recorder: rec}
}

// ── Room Handlers ────────────────────────────────────────────

type postMessageRequest struct {
	Sender  string         `json:"sender"`
	Content string         `json:"content"`
	Role    string         `json:"role"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Sender == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "sender and content are required")
		return
	}

	role := models.Role(req.Role)
	if req.Role == "" {
		role = models.RoleUser
	}

	// The recorder joins lazily so every room posted to over the API ends
	// up in the persistent history.
	if h.Recorder != nil {
		h.Bus.Join(room, h.Recorder)
	}

	msg := models.NewMessage(room, req.Sender, req.Content, role, req.Meta)
	h.Bus.Post(msg)

	log.Debug().Str("room", room).Str("sender", req.Sender).Msg("message posted")
	respondJSON(w, http.StatusAccepted, msg)
}

func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.Bus.Rooms()
	sort.Strings(rooms)

	type roomInfo struct {
		Name   string   `json:"name"`
		Agents []string `json:"agents"`
		Mode   string   `json:"mode"`
	}
	out := make([]roomInfo, 0, len(rooms))
	for _, name := range rooms {
		agents := h.Bus.Agents(name)
		if agents == nil {
			agents = []string{}
		}
		out = append(out, roomInfo{
			Name:   name,
			Agents: agents,
			Mode:   string(h.Modes.Mode(name)),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) RoomHistory(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	limit := queryInt(r, "limit", 0)

	msgs := []models.Message{}
	for msg := range h.History.Iterate(room) {
		msgs = append(msgs, msg)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) RoomSummary(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	limit := queryInt(r, "limit", 10)

	respondJSON(w, http.StatusOK, map[string]string{
		"room":    room,
		"summary": h.History.Summarize(room, limit),
	})
}

// ── Mode Handlers ────────────────────────────────────────────

func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	respondJSON(w, http.StatusOK, map[string]any{
		"room":  room,
		"mode":  h.Modes.Mode(room),
		"flags": h.Modes.Flags(room),
	})
}

func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mode, err := h.Modes.SetMode(room, req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("room", room).Str("mode", string(mode)).Msg("room mode changed")
	respondJSON(w, http.StatusOK, map[string]any{
		"room":  room,
		"mode":  mode,
		"flags": h.Modes.Flags(room),
	})
}

// ── Core Memory Handlers ─────────────────────────────────────

func (h *Handlers) ListMemory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"topics": h.History.CoreList()})
}

func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	entries := h.History.CoreGet(topic)
	if entries == nil {
		entries = []history.CoreEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"topic":   topic,
		"entries": entries,
	})
}

func (h *Handlers) PutMemory(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.History.CoreSet(topic, req.Text); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"topic":   topic,
		"entries": h.History.CoreGet(topic),
	})
}

func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if err := h.History.CoreDelete(topic); err != nil {
		if errors.Is(err, history.ErrTopicNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Task Handlers ────────────────────────────────────────────

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if spec.Type == "" {
		respondError(w, http.StatusBadRequest, "task type is required")
		return
	}

	id := h.Coord.SubmitTask(spec)
	respondJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Coord.Tasks()
	if tasks == nil {
		tasks = []models.TaskDefinition{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := h.Coord.TaskStatus(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.Coord.CancelTask(taskID); err != nil {
		switch {
		case errors.Is(err, coord.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, coord.ErrTaskTerminal):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
}

// ── Worker & Status Handlers ─────────────────────────────────

func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.Coord.ConnectedAgents()
	if workers == nil {
		workers = []coord.AgentInfo{}
	}
	respondJSON(w, http.StatusOK, workers)
}

func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Coord.SystemStatus())
}

// ── Helpers ──────────────────────────────────────────────────

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
