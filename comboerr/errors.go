// Package comboerr defines the error kinds shared across the driver's
// protocol, session, and navigation layers. Each kind is an exported
// sentinel so callers can classify failures with errors.Is; kinds that
// carry structured data additionally have a wrapper type whose Unwrap
// points at the matching sentinel.
package comboerr

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Session-fatal error kinds
// -------------------------------------------------------------------------

// Session-fatal errors close both packet channels with the cause; the
// caller must disconnect and reconnect (the paired state survives).
var (
	// ErrUnauthenticated indicates MAC verification failed on an incoming
	// packet. Fatal except on KEY_RESPONSE, where the pairing flow
	// recovers by re-prompting for the PIN.
	ErrUnauthenticated = errors.New("packet authentication failed")

	// ErrProtocol indicates the pump sent an ERROR_RESPONSE packet.
	ErrProtocol = errors.New("pump reported protocol error")

	// ErrService indicates a CTRL_SERVICE_ERROR application packet was
	// received.
	ErrService = errors.New("pump reported service error")

	// ErrIncorrectPacket indicates a packet arrived whose command does not
	// match the one the current exchange step expects.
	ErrIncorrectPacket = errors.New("unexpected packet for current state")

	// ErrBluetooth wraps failures from the Bluetooth transport collaborator.
	ErrBluetooth = errors.New("bluetooth transport failure")

	// ErrSessionClosed indicates an operation was attempted on a session
	// whose receive loop has already terminated.
	ErrSessionClosed = errors.New("session closed")
)

// -------------------------------------------------------------------------
// Operation-fatal error kinds (session remains open)
// -------------------------------------------------------------------------

var (
	// ErrStorage wraps persistent pump-state read/write failures; the
	// enclosing pairing or connect operation aborts.
	ErrStorage = errors.New("pump state storage failure")

	// ErrAlertScreen indicates the pump is showing a warning or error
	// screen. The current high-level operation aborts; the caller
	// dismisses the alert (CHECK) and may retry.
	ErrAlertScreen = errors.New("pump is showing an alert screen")

	// ErrCouldNotFindScreen indicates cycling or waiting for a target
	// screen exhausted the navigator's attempt bound.
	ErrCouldNotFindScreen = errors.New("could not find screen")

	// ErrCouldNotRecognizeAnyScreen indicates backing out of unrecognized
	// screens never reached a known one within the attempt bound.
	ErrCouldNotRecognizeAnyScreen = errors.New("could not recognize any screen")
)

// -------------------------------------------------------------------------
// Bolus lifecycle error kinds
// -------------------------------------------------------------------------

var (
	// ErrBolusNotDelivered indicates the pump refused to start the bolus
	// (for example because it is stopped).
	ErrBolusNotDelivered = errors.New("bolus not delivered")

	// ErrBolusCancelledByUser indicates the bolus was cancelled at the
	// pump before completing.
	ErrBolusCancelledByUser = errors.New("bolus cancelled by user")

	// ErrBolusAbortedDueToError indicates the pump aborted the bolus due
	// to an error condition (occlusion, empty reservoir, ...).
	ErrBolusAbortedDueToError = errors.New("bolus aborted due to pump error")
)

// -------------------------------------------------------------------------
// Structured wrappers
// -------------------------------------------------------------------------

// ProtocolError carries the one-byte error identifier from an
// ERROR_RESPONSE packet.
type ProtocolError struct {
	Code byte
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pump reported protocol error 0x%02X", e.Code)
}

// Unwrap makes errors.Is(err, ErrProtocol) true for ProtocolError values.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// AlertScreenError carries the content of the alert screen the pump is
// showing, so a UI can display the warning/error text to the user.
type AlertScreenError struct {
	Contents string
}

// Error implements the error interface.
func (e *AlertScreenError) Error() string {
	return fmt.Sprintf("pump is showing an alert screen: %s", e.Contents)
}

// Unwrap makes errors.Is(err, ErrAlertScreen) true for AlertScreenError
// values.
func (e *AlertScreenError) Unwrap() error { return ErrAlertScreen }

// CouldNotFindScreenError names the screen the navigator failed to reach.
type CouldNotFindScreenError struct {
	Target fmt.Stringer
}

// Error implements the error interface.
func (e *CouldNotFindScreenError) Error() string {
	return fmt.Sprintf("could not find screen %s", e.Target)
}

// Unwrap makes errors.Is(err, ErrCouldNotFindScreen) true for
// CouldNotFindScreenError values.
func (e *CouldNotFindScreenError) Unwrap() error { return ErrCouldNotFindScreen }

// BolusError carries how much of a bolus had been delivered when delivery
// terminated abnormally, in 0.1 IU units.
type BolusError struct {
	// Kind is one of ErrBolusNotDelivered, ErrBolusCancelledByUser or
	// ErrBolusAbortedDueToError.
	Kind error

	// DeliveredTenths is the amount delivered before termination.
	DeliveredTenths int
}

// Error implements the error interface.
func (e *BolusError) Error() string {
	return fmt.Sprintf("%v (delivered %d.%d IU)", e.Kind, e.DeliveredTenths/10, e.DeliveredTenths%10)
}

// Unwrap exposes the lifecycle kind for errors.Is.
func (e *BolusError) Unwrap() error { return e.Kind }
