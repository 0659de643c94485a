// Package history is the durable record of room activity: a bounded
// in-memory ring buffer plus an append-only JSONL log file per room, and a
// separate topic-indexed core-memory ledger persisted by atomic rewrite.
//
// Layout under the data directory:
//
//	rooms/<room>.jsonl   one JSON object per recorded message
//	core_memory.json     topic → [{ts, text}], rewritten atomically
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/pkg/models"
)

// ErrTopicNotFound is returned when deleting a core-memory topic that does
// not exist.
var ErrTopicNotFound = errors.New("core memory topic not found")

// DefaultMaxLen is the per-room ring buffer capacity unless overridden.
const DefaultMaxLen = 10000

// CoreEntry is one appended note under a core-memory topic.
type CoreEntry struct {
	TS   string `json:"ts"`
	Text string `json:"text"`
}

// roomMemory is the durability unit for one room: the recent-message ring
// and the open append handle for the room's log file.
type roomMemory struct {
	name   string
	buffer []models.Message // oldest first, len <= maxLen
	file   *os.File         // nil when the log file could not be opened
}

// Store persists room histories and core-memory topics. All methods are
// safe for concurrent use.
type Store struct {
	root     string
	roomsDir string
	corePath string
	maxLen   int

	mu    sync.Mutex
	rooms map[string]*roomMemory
	core  map[string][]CoreEntry
}

// Option customizes a store.
type Option func(*Store)

// WithMaxLen sets the per-room ring buffer capacity.
func WithMaxLen(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// New opens (or creates) a store rooted at dir and loads the core-memory
// ledger from disk.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		root:     dir,
		roomsDir: filepath.Join(dir, "rooms"),
		corePath: filepath.Join(dir, "core_memory.json"),
		maxLen:   DefaultMaxLen,
		rooms:    make(map[string]*roomMemory),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.roomsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create rooms dir: %w", err)
	}
	s.core = s.loadCore()
	return s, nil
}

// Close releases the per-room log file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, rm := range s.rooms {
		if rm.file == nil {
			continue
		}
		if err := rm.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rm.file = nil
	}
	return firstErr
}

// ── Room Recording ───────────────────────────────────────────

// roomFile returns the log file path for a room.
func (s *Store) roomFile(room string) string {
	return filepath.Join(s.roomsDir, room+".jsonl")
}

// getRoom returns the room's memory, creating it on first access. The ring
// buffer is warmed from the tail of the on-disk log so summaries survive a
// restart. Callers must hold mu.
func (s *Store) getRoom(room string) *roomMemory {
	rm, ok := s.rooms[room]
	if ok {
		return rm
	}
	rm = &roomMemory{name: room}
	rm.buffer = s.loadTail(room)

	f, err := os.OpenFile(s.roomFile(room), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("room", room).Msg("history: cannot open room log, recording in memory only")
	} else {
		rm.file = f
	}
	s.rooms[room] = rm
	return rm
}

// loadTail reads the last maxLen messages from a room's log file.
// Best effort: unreadable files or lines are skipped.
func (s *Store) loadTail(room string) []models.Message {
	f, err := os.Open(s.roomFile(room))
	if err != nil {
		return nil
	}
	defer f.Close()

	var buf []models.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var msg models.Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		buf = append(buf, msg)
		if len(buf) > s.maxLen {
			buf = buf[1:]
		}
	}
	return buf
}

// Record appends the message to the room's ring buffer and to its log file.
// Record never reports an error to the caller: it sits on the bus delivery
// path, so persistence failures are logged and swallowed.
func (s *Store) Record(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.getRoom(msg.Room)
	rm.buffer = append(rm.buffer, msg)
	if len(rm.buffer) > s.maxLen {
		rm.buffer = rm.buffer[1:]
	}

	if rm.file == nil {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("room", msg.Room).Msg("history: marshal failed")
		return
	}
	if _, err := rm.file.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Str("room", msg.Room).Msg("history: append failed")
	}
}

// Iterate returns a restartable sequence over the room's current ring
// buffer, oldest first. The sequence is a snapshot: recording while
// iterating does not affect it.
func (s *Store) Iterate(room string) iter.Seq[models.Message] {
	s.mu.Lock()
	rm := s.getRoom(room)
	snapshot := make([]models.Message, len(rm.buffer))
	copy(snapshot, rm.buffer)
	s.mu.Unlock()

	return func(yield func(models.Message) bool) {
		for _, msg := range snapshot {
			if !yield(msg) {
				return
			}
		}
	}
}

// Summarize renders the last limit buffered messages as
// "sender: truncated-content" lines joined by newlines. Pure formatting.
func (s *Store) Summarize(room string, limit int) string {
	s.mu.Lock()
	rm := s.getRoom(room)
	buf := rm.buffer
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	lines := make([]string, len(buf))
	for i, msg := range buf {
		content := strings.ReplaceAll(strings.TrimSpace(msg.Content), "\n", " ")
		if r := []rune(content); len(r) > 160 {
			content = string(r[:160])
		}
		lines[i] = msg.Sender + ": " + content
	}
	s.mu.Unlock()
	return strings.Join(lines, "\n")
}

// ── Core Memory ──────────────────────────────────────────────

// loadCore reads the on-disk ledger. A missing or corrupt file yields an
// empty ledger; corruption is logged, never fatal.
func (s *Store) loadCore() map[string][]CoreEntry {
	data, err := os.ReadFile(s.corePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("history: cannot read core memory")
		}
		return make(map[string][]CoreEntry)
	}
	core := make(map[string][]CoreEntry)
	if err := json.Unmarshal(data, &core); err != nil {
		log.Warn().Err(err).Msg("history: corrupt core memory, starting empty")
		return make(map[string][]CoreEntry)
	}
	return core
}

// writeCore rewrites the entire ledger atomically: write to a temp file in
// the same directory, then rename over the target. A crash mid-write leaves
// the previous ledger intact. Callers must hold mu.
func (s *Store) writeCore() error {
	data, err := json.MarshalIndent(s.core, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal core memory: %w", err)
	}
	tmp := s.corePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write core memory temp: %w", err)
	}
	if err := os.Rename(tmp, s.corePath); err != nil {
		return fmt.Errorf("replace core memory: %w", err)
	}
	return nil
}

// CoreSet appends a timestamped entry under the topic and persists the
// ledger. Entries are append-only: prior entries are never overwritten.
// Empty topics are ignored.
func (s *Store) CoreSet(topic, text string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core[topic] = append(s.core[topic], CoreEntry{
		TS:   time.Now().UTC().Format(time.RFC3339),
		Text: strings.TrimSpace(text),
	})
	return s.writeCore()
}

// CoreGet returns a copy of the topic's entries, oldest first.
func (s *Store) CoreGet(topic string) []CoreEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.core[topic]
	out := make([]CoreEntry, len(entries))
	copy(out, entries)
	return out
}

// CoreList returns all topics in sorted order.
func (s *Store) CoreList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.core))
	for topic := range s.core {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// CoreDelete removes a topic wholesale and persists the ledger. Returns
// ErrTopicNotFound if the topic does not exist.
func (s *Store) CoreDelete(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.core[topic]; !ok {
		return ErrTopicNotFound
	}
	delete(s.core, topic)
	return s.writeCore()
}
