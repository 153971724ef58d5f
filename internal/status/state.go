package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
)

// State represents a connection handle's runtime state.
type State string

const (
	Connecting    State = "CONNECTING"
	Pairing       State = "PAIRING"
	Authenticated State = "AUTHENTICATED"
	Ready         State = "READY"
	Failed        State = "FAILED"
	Disconnected  State = "DISCONNECTED"
)

// Terminal reports whether no trigger can leave s.
func (s State) Terminal() bool {
	return s == Failed || s == Disconnected
}

// Trigger is a provider lifecycle signal that drives the machine.
type Trigger string

const (
	PairingCode    Trigger = "pairing_code"
	Authenticate   Trigger = "authenticated"
	BecomeReady    Trigger = "ready"
	AuthFailure    Trigger = "auth_failure"
	ConnectionLost Trigger = "disconnected"
)

// transitions defines the state each trigger leads to.
var transitions = map[State]map[Trigger]State{
	Connecting: {
		PairingCode:    Pairing,
		Authenticate:   Authenticated,
		BecomeReady:    Ready,
		AuthFailure:    Failed,
		ConnectionLost: Disconnected,
	},
	Pairing: {
		// A refreshed code keeps the handle pairing.
		PairingCode:    Pairing,
		Authenticate:   Authenticated,
		BecomeReady:    Ready,
		AuthFailure:    Failed,
		ConnectionLost: Disconnected,
	},
	Authenticated: {
		BecomeReady:    Ready,
		AuthFailure:    Failed,
		ConnectionLost: Disconnected,
	},
	Ready: {
		AuthFailure:    Failed,
		ConnectionLost: Disconnected,
	},
}

// Next returns the state trigger leads to from state.
func Next(from State, trigger Trigger) (State, error) {
	to, ok := transitions[from][trigger]
	if !ok {
		return from, fmt.Errorf("invalid trigger %s in state %s", trigger, from)
	}
	return to, nil
}

// Machine tracks and enforces one account's connection state.
type Machine struct {
	mu        sync.RWMutex
	accountID string
	current   State
	bus       *bus.Bus
}

// NewMachine creates a new state machine starting in Connecting state.
func NewMachine(accountID string, b *bus.Bus) *Machine {
	return &Machine{
		accountID: accountID,
		current:   Connecting,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Fire applies trigger and returns the resulting state. Invalid triggers leave
// the state unchanged and return an error.
func (m *Machine) Fire(trigger Trigger) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, err := Next(m.current, trigger)
	if err != nil {
		return m.current, err
	}
	from := m.current
	m.current = to
	if m.bus != nil && from != to {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionStatus,
			AccountID: m.accountID,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:    from,
				To:      to,
				Trigger: trigger,
			},
		})
	}
	return to, nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From    State
	To      State
	Trigger Trigger
}
