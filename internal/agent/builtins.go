package agent

import (
	"context"
	"strings"

	"github.com/triadlabs/triad/internal/history"
	"github.com/triadlabs/triad/pkg/models"
)

// Built-in agents. Planner, critic, and executor are keyword-triggered stubs
// that richer implementations replace; the recorder is the durable capture
// path for everything posted on the bus.

// snippet truncates content for an inline reply.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 100 {
		return string(r[:100])
	}
	return s
}

// NewPlanner creates the task-breakdown agent.
func NewPlanner(name string) *Agent {
	if name == "" {
		name = "planner"
	}
	a := New(name, WithRole("planner"))
	a.handle = respondOn(a, "plan", "I can help plan that task: ")
	return a
}

// NewCritic creates the review/feedback agent.
func NewCritic(name string) *Agent {
	if name == "" {
		name = "critic"
	}
	a := New(name, WithRole("critic"))
	a.handle = respondOn(a, "review", "Let me analyze that: ")
	return a
}

// NewExecutor creates the task-execution agent.
func NewExecutor(name string) *Agent {
	if name == "" {
		name = "executor"
	}
	a := New(name, WithRole("executor"))
	a.handle = respondOn(a, "execute", "Executing: ")
	return a
}

func respondOn(a *Agent, keyword, prefix string) HandlerFunc {
	return func(ctx context.Context, msg models.Message) error {
		if msg.Sender == a.Name() || !strings.Contains(strings.ToLower(msg.Content), keyword) {
			return nil
		}
		a.Say(msg.Room, prefix+snippet(msg.Content)+"...", models.RoleAssistant, nil)
		return nil
	}
}

// NewRecorder creates the silent observer that persists every message it
// sees to the history store. Recording never errors back into the bus.
func NewRecorder(store *history.Store, name string) *Agent {
	if name == "" {
		name = "recorder"
	}
	return New(name,
		WithRole("system"),
		WithHandler(func(ctx context.Context, msg models.Message) error {
			store.Record(msg)
			return nil
		}),
	)
}
