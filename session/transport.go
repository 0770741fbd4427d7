package session

import (
	"context"

	"github.com/accu-chek/combodriver/pump"
)

// Transport is the Bluetooth RFCOMM collaborator. Implementations wrap a
// platform serial-port-profile socket (BlueZ, Android, a test double);
// nothing in the protocol core touches platform Bluetooth APIs.
//
// Send and Receive are independent directions: one of each may be in
// flight concurrently, but callers must not overlap two sends or two
// receives. Blocking calls honor ctx cancellation, which subsumes the
// cancel-send/cancel-receive operations of native socket APIs.
type Transport interface {
	// Connect opens the RFCOMM channel to the pump at addr.
	Connect(ctx context.Context, addr pump.Address) error

	// Disconnect closes the channel. Safe to call on an unconnected
	// transport.
	Disconnect() error

	// Send writes data to the channel, blocking until the full slice is
	// accepted or ctx is cancelled.
	Send(ctx context.Context, data []byte) error

	// Receive returns the next chunk of bytes from the channel. Chunk
	// boundaries are arbitrary; the frame codec reassembles packets.
	Receive(ctx context.Context) ([]byte, error)
}
