package history_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/triadlabs/triad/internal/history"
	"github.com/triadlabs/triad/pkg/models"
)

func newTestStore(t *testing.T, opts ...history.Option) (*history.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := history.New(dir, opts...)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func collect(s *history.Store, room string) []models.Message {
	var out []models.Message
	for msg := range s.Iterate(room) {
		out = append(out, msg)
	}
	return out
}

// ─── Room Recording ──────────────────────────────────────────

func TestRecordAndIterate(t *testing.T) {
	s, _ := newTestStore(t)

	s.Record(models.NewMessage("dev", "alice", "first", models.RoleUser, nil))
	s.Record(models.NewMessage("dev", "bob", "second", models.RoleAssistant, nil))

	msgs := collect(s, "dev")
	if len(msgs) != 2 {
		t.Fatalf("Iterate() yielded %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != "alice" || msgs[1].Sender != "bob" {
		t.Errorf("order wrong: %s, %s", msgs[0].Sender, msgs[1].Sender)
	}
}

func TestIterateIsASnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	s.Record(models.NewMessage("dev", "a", "one", models.RoleUser, nil))

	seq := s.Iterate("dev")
	s.Record(models.NewMessage("dev", "a", "two", models.RoleUser, nil))

	count := 0
	for range seq {
		count++
	}
	if count != 1 {
		t.Errorf("snapshot yielded %d messages, want 1", count)
	}

	// The sequence is restartable.
	count = 0
	for range seq {
		count++
	}
	if count != 1 {
		t.Errorf("second pass yielded %d messages, want 1", count)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	s, _ := newTestStore(t, history.WithMaxLen(3))

	for i := 0; i < 5; i++ {
		s.Record(models.NewMessage("dev", "a", fmt.Sprintf("msg-%d", i), models.RoleUser, nil))
	}

	msgs := collect(s, "dev")
	if len(msgs) != 3 {
		t.Fatalf("buffer holds %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "msg-2" || msgs[2].Content != "msg-4" {
		t.Errorf("buffer = [%s .. %s], want [msg-2 .. msg-4]", msgs[0].Content, msgs[2].Content)
	}
}

func TestHistorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := history.New(dir)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	s.Record(models.NewMessage("dev", "alice", "persisted", models.RoleUser, map[string]any{"k": "v"}))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := history.New(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	msgs := collect(s2, "dev")
	if len(msgs) != 1 {
		t.Fatalf("reopened store has %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Sender != "alice" || got.Content != "persisted" || got.Role != models.RoleUser {
		t.Errorf("reloaded message = %+v", got)
	}
	if got.Meta["k"] != "v" {
		t.Errorf("reloaded meta = %v, want k=v", got.Meta)
	}
}

func TestReopenSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s, err := history.New(dir)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	s.Record(models.NewMessage("dev", "a", "good", models.RoleUser, nil))
	s.Close()

	path := filepath.Join(dir, "rooms", "dev.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	s2, err := history.New(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	msgs := collect(s2, "dev")
	if len(msgs) != 1 || msgs[0].Content != "good" {
		t.Errorf("reloaded %d messages, want just the valid one", len(msgs))
	}
}

func TestSummarize(t *testing.T) {
	s, _ := newTestStore(t)

	s.Record(models.NewMessage("dev", "alice", "  line one  ", models.RoleUser, nil))
	s.Record(models.NewMessage("dev", "bob", "multi\nline", models.RoleAssistant, nil))
	s.Record(models.NewMessage("dev", "carol", strings.Repeat("x", 200), models.RoleUser, nil))

	got := s.Summarize("dev", 2)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("Summarize() returned %d lines, want 2", len(lines))
	}
	if lines[0] != "bob: multi line" {
		t.Errorf("line 0 = %q, want %q", lines[0], "bob: multi line")
	}
	if want := "carol: " + strings.Repeat("x", 160); lines[1] != want {
		t.Errorf("line 1 length = %d, want truncation to 160 runes", len(lines[1]))
	}

	if s.Summarize("empty-room", 5) != "" {
		t.Error("Summarize() of empty room should be empty")
	}
}

// ─── Core Memory ─────────────────────────────────────────────

func TestCoreSetIsAppendOnly(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.CoreSet("prefs", "dark mode"); err != nil {
		t.Fatalf("CoreSet() error = %v", err)
	}
	if err := s.CoreSet("prefs", "vim keys"); err != nil {
		t.Fatalf("CoreSet() error = %v", err)
	}

	entries := s.CoreGet("prefs")
	if len(entries) != 2 {
		t.Fatalf("CoreGet() returned %d entries, want 2", len(entries))
	}
	if entries[0].Text != "dark mode" || entries[1].Text != "vim keys" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].TS == "" {
		t.Error("entry timestamp is empty")
	}
}

func TestCoreSetIgnoresEmptyTopic(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.CoreSet("   ", "text"); err != nil {
		t.Fatalf("CoreSet() error = %v", err)
	}
	if topics := s.CoreList(); len(topics) != 0 {
		t.Errorf("CoreList() = %v, want empty", topics)
	}
}

func TestCoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := history.New(dir)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	s.CoreSet("goal", "ship v1")
	s.Close()

	s2, err := history.New(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	entries := s2.CoreGet("goal")
	if len(entries) != 1 || entries[0].Text != "ship v1" {
		t.Errorf("reloaded entries = %+v", entries)
	}

	// The atomic rewrite leaves no temp file behind.
	if _, err := os.Stat(filepath.Join(dir, "core_memory.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after rewrite")
	}
}

func TestCoreListSortedAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	s.CoreSet("zeta", "z")
	s.CoreSet("alpha", "a")

	topics := s.CoreList()
	if len(topics) != 2 || topics[0] != "alpha" || topics[1] != "zeta" {
		t.Errorf("CoreList() = %v, want [alpha zeta]", topics)
	}

	if err := s.CoreDelete("zeta"); err != nil {
		t.Fatalf("CoreDelete() error = %v", err)
	}
	if err := s.CoreDelete("zeta"); !errors.Is(err, history.ErrTopicNotFound) {
		t.Errorf("CoreDelete() of missing topic = %v, want ErrTopicNotFound", err)
	}
}

func TestCorruptCoreFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "core_memory.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := history.New(dir)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	defer s.Close()
	if topics := s.CoreList(); len(topics) != 0 {
		t.Errorf("CoreList() = %v, want empty after corrupt ledger", topics)
	}
}
