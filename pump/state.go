package pump

import "context"

// KeyLen is the length in bytes of a Two-Fish key and of a single cipher
// block.
const KeyLen = 16

// PairingData is the credential material obtained during pairing and
// required for every subsequent session.
type PairingData struct {
	// ClientPumpKey authenticates packets the client sends to the pump
	// (client -> pump direction).
	ClientPumpKey [KeyLen]byte

	// PumpClientKey verifies packets the pump sends to the client
	// (pump -> client direction).
	PumpClientKey [KeyLen]byte

	// KeyResponseAddress is the outgoing-form address byte: (source<<4) |
	// destination, derived by swapping the nibbles of the KEY_RESPONSE
	// packet's incoming address byte.
	KeyResponseAddress byte
}

// IsZero reports whether no pairing data has been populated.
func (d PairingData) IsZero() bool {
	return d == PairingData{}
}

// State is the full persisted state for one paired pump: its pairing
// credentials and the current outgoing nonce.
type State struct {
	Pairing PairingData
	Nonce   Nonce
}

// Valid reports whether this persisted state is usable to open a session:
// pairing credentials must be present and the transmit nonce must have been
// advanced past its pre-pairing zero value.
func (s State) Valid() bool {
	return !s.Pairing.IsZero() && !s.Nonce.IsZero()
}

// Store is the persistence collaborator for paired-pump state.
// Implementations must make every Store/StoreNonce call atomic: the engine
// relies on nonces never being persisted out of order.
type Store interface {
	// HasState reports whether pairing state exists for addr.
	HasState(ctx context.Context, addr Address) (bool, error)

	// Load returns the persisted pairing data for addr.
	Load(ctx context.Context, addr Address) (PairingData, error)

	// Store persists pairing data for addr, creating it if absent.
	Store(ctx context.Context, addr Address, data PairingData) error

	// LoadNonce returns the persisted current-tx-nonce for addr.
	LoadNonce(ctx context.Context, addr Address) (Nonce, error)

	// StoreNonce persists the current-tx-nonce for addr. Must be durable
	// before returning: the session engine calls this synchronously after
	// every Nonce.Consume and before transmitting the packet it authenticates.
	StoreNonce(ctx context.Context, addr Address, n Nonce) error

	// Delete removes all persisted state for addr (called on unpair).
	Delete(ctx context.Context, addr Address) error
}
