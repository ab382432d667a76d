package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/estay-app/chatd/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions. Any state may fall back
// to Disconnected on a transport drop or error.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected, Connecting},
}

// Machine tracks and enforces connection state transitions and publishes
// each change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the reason recorded with the last transition, if any.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. reason may carry a
// human-readable cause for error paths (e.g. a dial failure). Returns an
// error if the transition is not allowed.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: Change{
				From:   from,
				To:     to,
				Reason: reason,
			},
		})
	}
	return nil
}

// Change is the payload for status change events and listener notifications.
type Change struct {
	From   State
	To     State
	Reason string
}

func (c Change) String() string {
	if c.Reason == "" {
		return string(c.To)
	}
	return fmt.Sprintf("%s (%s)", c.To, c.Reason)
}
