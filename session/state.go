package session

// This file implements the session state machine. Transitions are checked
// against a table so an out-of-order flow step fails loudly instead of
// leaving the engine in an inconsistent state.
//
// State diagram:
//
//	Disconnected -> Pairing <-> PairedDisconnected -> Connecting
//	Connecting -> ConnectedRT <-> ConnectedCommand -> Disconnecting
//	Disconnecting -> Disconnected / PairedDisconnected

import "fmt"

// State identifies where a session is in its lifecycle.
type State uint8

const (
	// StateDisconnected is the initial state: no transport connection and
	// no pairing credentials loaded.
	StateDisconnected State = iota

	// StatePairing is active while the pairing handshake runs.
	StatePairing

	// StatePairedDisconnected means pairing credentials exist but no
	// transport connection is open.
	StatePairedDisconnected

	// StateConnecting is active while the regular connection handshake runs.
	StateConnecting

	// StateConnectedRT means the remote-terminal service is activated: the
	// pump streams display frames and accepts button packets.
	StateConnectedRT

	// StateConnectedCommand means the command-mode service is activated
	// for structured status/history/bolus calls.
	StateConnectedCommand

	// StateDisconnecting is active while services are deactivated and the
	// transport is shut down.
	StateDisconnecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StatePairing:
		return "Pairing"
	case StatePairedDisconnected:
		return "PairedDisconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnectedRT:
		return "ConnectedRT"
	case StateConnectedCommand:
		return "ConnectedCommand"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Mode selects which application-layer service a connected session runs.
type Mode uint8

const (
	// ModeRT is the remote-terminal service (display streaming + buttons).
	ModeRT Mode = iota + 1

	// ModeCommand is the structured command service.
	ModeCommand
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRT:
		return "RT"
	case ModeCommand:
		return "Command"
	default:
		return "Unknown"
	}
}

// validTransitions lists the allowed state machine edges.
var validTransitions = map[State][]State{
	StateDisconnected:       {StatePairing, StateConnecting, StatePairedDisconnected},
	StatePairing:            {StatePairedDisconnected, StateDisconnected},
	StatePairedDisconnected: {StateConnecting, StatePairing, StateDisconnected},
	StateConnecting:         {StateConnectedRT, StateConnectedCommand, StateDisconnecting, StateDisconnected},
	StateConnectedRT:        {StateConnectedCommand, StateDisconnecting, StateDisconnected},
	StateConnectedCommand:   {StateConnectedRT, StateDisconnecting, StateDisconnected},
	StateDisconnecting:      {StateDisconnected, StatePairedDisconnected},
}

// canTransition reports whether moving from -> to is a legal lifecycle edge.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionError describes an illegal state machine edge.
func transitionError(from, to State) error {
	return fmt.Errorf("session: illegal state transition %s -> %s", from, to)
}
