package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/triadlabs/triad/internal/agent"
	"github.com/triadlabs/triad/internal/api"
	"github.com/triadlabs/triad/internal/api/handlers"
	"github.com/triadlabs/triad/internal/bus"
	"github.com/triadlabs/triad/internal/config"
	"github.com/triadlabs/triad/internal/coord"
	"github.com/triadlabs/triad/internal/history"
	"github.com/triadlabs/triad/internal/modes"
	"github.com/triadlabs/triad/pkg/models"
)

// newTestAPI wires real components behind the router, the way the server
// package does at startup.
func newTestAPI(t *testing.T) (http.Handler, *history.Store, *coord.Coordinator) {
	t.Helper()

	store, err := history.New(t.TempDir())
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	rec := agent.NewRecorder(store, "recorder")
	rec.Attach(b)
	if err := rec.Start(); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	t.Cleanup(rec.Stop)

	c := coord.New(coord.WithSweepInterval(20 * time.Millisecond))
	if err := c.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(c.Stop)

	h := handlers.New(b, store, modes.NewRegistry(), c, rec)
	cfg := &config.Config{Version: "test"}
	return api.NewRouter(cfg, h), store, c
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	router, _, _ := newTestAPI(t)

	rr := do(t, router, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rr.Code)
	}

	rr = do(t, router, http.MethodGet, "/version", "")
	var v map[string]string
	decodeBody(t, rr, &v)
	if v["version"] != "test" {
		t.Errorf("version = %q, want test", v["version"])
	}
}

func TestPostMessageRecordsHistory(t *testing.T) {
	router, store, _ := newTestAPI(t)

	rr := do(t, router, http.MethodPost, "/api/v1/rooms/dev/messages",
		`{"sender":"alice","content":"hello room"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST message = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	var msg models.Message
	decodeBody(t, rr, &msg)
	if msg.Role != models.RoleUser {
		t.Errorf("default role = %q, want user", msg.Role)
	}

	// The recorder picks the message up asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for m := range store.Iterate("dev") {
			if m.Content == "hello room" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message never reached the history store")
}

func TestPostMessageValidation(t *testing.T) {
	router, _, _ := newTestAPI(t)

	if rr := do(t, router, http.MethodPost, "/api/v1/rooms/dev/messages", `{`); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/api/v1/rooms/dev/messages", `{"sender":"a"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing content = %d, want 400", rr.Code)
	}
}

func TestListRooms(t *testing.T) {
	router, _, _ := newTestAPI(t)

	do(t, router, http.MethodPost, "/api/v1/rooms/dev/messages",
		`{"sender":"alice","content":"hi"}`)

	rr := do(t, router, http.MethodGet, "/api/v1/rooms", "")
	var rooms []struct {
		Name   string   `json:"name"`
		Agents []string `json:"agents"`
		Mode   string   `json:"mode"`
	}
	decodeBody(t, rr, &rooms)
	if len(rooms) != 1 || rooms[0].Name != "dev" {
		t.Fatalf("rooms = %+v, want [dev]", rooms)
	}
	if rooms[0].Mode != "safe" {
		t.Errorf("mode = %q, want safe", rooms[0].Mode)
	}
}

func TestRoomHistoryAndSummary(t *testing.T) {
	router, store, _ := newTestAPI(t)

	store.Record(models.NewMessage("dev", "alice", "one", models.RoleUser, nil))
	store.Record(models.NewMessage("dev", "bob", "two", models.RoleUser, nil))

	rr := do(t, router, http.MethodGet, "/api/v1/rooms/dev/history?limit=1", "")
	var msgs []models.Message
	decodeBody(t, rr, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "two" {
		t.Errorf("limited history = %+v, want just the last message", msgs)
	}

	rr = do(t, router, http.MethodGet, "/api/v1/rooms/dev/summary", "")
	var sum map[string]string
	decodeBody(t, rr, &sum)
	if sum["summary"] != "alice: one\nbob: two" {
		t.Errorf("summary = %q", sum["summary"])
	}
}

func TestModeRoundTrip(t *testing.T) {
	router, _, _ := newTestAPI(t)

	rr := do(t, router, http.MethodPut, "/api/v1/rooms/dev/mode", `{"mode":"anon"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT mode = %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, router, http.MethodGet, "/api/v1/rooms/dev/mode", "")
	var got struct {
		Mode  string      `json:"mode"`
		Flags modes.Flags `json:"flags"`
	}
	decodeBody(t, rr, &got)
	if got.Mode != "anon" || !got.Flags.RedactPII || got.Flags.CautiousExecution {
		t.Errorf("mode response = %+v", got)
	}

	if rr := do(t, router, http.MethodPut, "/api/v1/rooms/dev/mode", `{"mode":"bogus"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid mode = %d, want 400", rr.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	router, _, _ := newTestAPI(t)

	rr := do(t, router, http.MethodPut, "/api/v1/memory/goals", `{"text":"ship v1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT memory = %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, router, http.MethodGet, "/api/v1/memory", "")
	var list map[string][]string
	decodeBody(t, rr, &list)
	if len(list["topics"]) != 1 || list["topics"][0] != "goals" {
		t.Errorf("topics = %v, want [goals]", list["topics"])
	}

	rr = do(t, router, http.MethodGet, "/api/v1/memory/goals", "")
	var topic struct {
		Entries []history.CoreEntry `json:"entries"`
	}
	decodeBody(t, rr, &topic)
	if len(topic.Entries) != 1 || topic.Entries[0].Text != "ship v1" {
		t.Errorf("entries = %+v", topic.Entries)
	}

	if rr := do(t, router, http.MethodDelete, "/api/v1/memory/goals", ""); rr.Code != http.StatusNoContent {
		t.Errorf("DELETE memory = %d, want 204", rr.Code)
	}
	if rr := do(t, router, http.MethodDelete, "/api/v1/memory/goals", ""); rr.Code != http.StatusNotFound {
		t.Errorf("DELETE missing topic = %d, want 404", rr.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	router, _, _ := newTestAPI(t)

	rr := do(t, router, http.MethodPost, "/api/v1/tasks",
		`{"type":"echo","required_capabilities":["gpu"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST task = %d: %s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	decodeBody(t, rr, &created)
	id := created["task_id"]
	if id == "" {
		t.Fatal("empty task_id")
	}

	rr = do(t, router, http.MethodGet, "/api/v1/tasks/"+id, "")
	var task models.TaskDefinition
	decodeBody(t, rr, &task)
	if task.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	if rr := do(t, router, http.MethodGet, "/api/v1/tasks/unknown", ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET unknown task = %d, want 404", rr.Code)
	}

	if rr := do(t, router, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", ""); rr.Code != http.StatusOK {
		t.Errorf("cancel = %d, want 200", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", ""); rr.Code != http.StatusConflict {
		t.Errorf("cancel terminal task = %d, want 409", rr.Code)
	}

	if rr := do(t, router, http.MethodPost, "/api/v1/tasks", `{"description":"no type"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("task without type = %d, want 400", rr.Code)
	}
}

func TestWorkersAndStatus(t *testing.T) {
	router, _, _ := newTestAPI(t)

	rr := do(t, router, http.MethodGet, "/api/v1/workers", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("GET workers = %d %q, want empty array", rr.Code, rr.Body.String())
	}

	rr = do(t, router, http.MethodGet, "/api/v1/status", "")
	var st coord.Status
	decodeBody(t, rr, &st)
	if !st.Running {
		t.Error("status.running = false, want true")
	}
}
