// Package session holds the per-connection lifecycle state machine.
package session

import (
	"fmt"
	"sync/atomic"
)

// State is the protocol phase of one connection.
type State int32

const (
	Handshake      State = iota // awaiting version + key exchange
	Authenticating              // awaiting a ticket redeem
	EnteringField               // redeemed, awaiting the field key echo
	Active                      // attached to a field, gameplay allowed
	MigratingOut                // ticket requested or issued, gameplay frozen
	Disconnected
)

func (s State) String() string {
	switch s {
	case Handshake:
		return "Handshake"
	case Authenticating:
		return "Authenticating"
	case EnteringField:
		return "EnteringField"
	case Active:
		return "Active"
	case MigratingOut:
		return "MigratingOut"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// transitions lists every forward edge. Disconnected is reachable from any
// state through Terminate and is not listed here.
var transitions = map[State][]State{
	Handshake:      {Authenticating},
	Authenticating: {EnteringField, Disconnected},
	EnteringField:  {Active, Disconnected},
	Active:         {MigratingOut},
	MigratingOut:   {Disconnected},
}

// CanAdvance reports whether from -> to is a defined transition.
func CanAdvance(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an undefined transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: illegal transition %s -> %s", e.From, e.To)
}

// Machine tracks one connection's state. Only the goroutine owning the
// connection mutates it; State may be read from anywhere.
type Machine struct {
	state         atomic.Int32
	violations    int
	maxViolations int
}

// NewMachine starts in Handshake. maxViolations <= 0 makes the first
// violation fatal.
func NewMachine(maxViolations int) *Machine {
	if maxViolations <= 0 {
		maxViolations = 1
	}
	m := &Machine{maxViolations: maxViolations}
	m.state.Store(int32(Handshake))
	return m
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// Advance moves to the next state along a defined transition.
func (m *Machine) Advance(to State) error {
	from := m.State()
	if !CanAdvance(from, to) {
		return &TransitionError{From: from, To: to}
	}
	m.state.Store(int32(to))
	return nil
}

// Revert undoes a migration freeze after a failed ticket request. It is the
// only way back from MigratingOut and is only valid from there.
func (m *Machine) Revert() error {
	if m.State() != MigratingOut {
		return &TransitionError{From: m.State(), To: Active}
	}
	m.state.Store(int32(Active))
	return nil
}

// Terminate moves to Disconnected from any state and returns the state it
// left.
func (m *Machine) Terminate() State {
	return State(m.state.Swap(int32(Disconnected)))
}

// Violation counts a packet received in a state that does not accept it and
// reports whether the limit has been reached.
func (m *Machine) Violation() (count int, fatal bool) {
	m.violations++
	return m.violations, m.violations >= m.maxViolations
}

// Violations returns the number of violations counted so far.
func (m *Machine) Violations() int {
	return m.violations
}
