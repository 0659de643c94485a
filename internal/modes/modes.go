// Package modes tracks the per-room behavioral mode. Other agents read the
// derived flags to adjust caution, verbosity, and redaction; the registry
// itself never inspects message content.
package modes

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Mode is a room's behavioral mode.
type Mode string

const (
	// ModeSafe is the default: cautious execution, confirmations on.
	ModeSafe Mode = "safe"
	// ModeAnon redacts personally identifying information from output.
	ModeAnon Mode = "anon"
	// ModeTriad runs the fast multi-agent cadence.
	ModeTriad Mode = "triad"
)

// ErrInvalidMode is returned for mode names outside {safe, anon, triad}.
var ErrInvalidMode = errors.New("invalid mode")

// Flags is the derived read-only view of a mode.
type Flags struct {
	CautiousExecution bool `json:"cautious_execution"`
	RedactPII         bool `json:"redact_pii"`
	FastCadence       bool `json:"fast_cadence"`
}

// Registry holds each room's current mode. Rooms without an explicit mode
// are safe. There are no automatic transitions and no history.
type Registry struct {
	mu      sync.RWMutex
	perRoom map[string]Mode
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{perRoom: make(map[string]Mode)}
}

// Mode returns the room's current mode.
func (r *Registry) Mode(room string) Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.perRoom[room]; ok {
		return m
	}
	return ModeSafe
}

// SetMode validates and sets the room's mode. Input is case-insensitive and
// trimmed. Unknown modes return ErrInvalidMode.
func (r *Registry) SetMode(room, mode string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case ModeSafe, ModeAnon, ModeTriad:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	r.mu.Lock()
	r.perRoom[room] = m
	r.mu.Unlock()
	return m, nil
}

// Flags derives the behavioral flags from the room's mode. Pure function of
// the mode: exactly one flag is set.
func (r *Registry) Flags(room string) Flags {
	m := r.Mode(room)
	return Flags{
		CautiousExecution: m == ModeSafe,
		RedactPII:         m == ModeAnon,
		FastCadence:       m == ModeTriad,
	}
}
