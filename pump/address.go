// Package pump defines the Accu-Chek Spirit Combo's wire-independent data
// model: addressing, pairing credentials, nonces, persisted session state,
// simulated button codes, and the tagged screens produced by an external
// screen parser.
package pump

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressLen is the length in bytes of a Bluetooth device address.
const AddressLen = 6

// ErrInvalidAddress indicates a Bluetooth address string could not be parsed.
var ErrInvalidAddress = errors.New("pump: invalid bluetooth address")

// Address is a 6-byte Bluetooth device address. It is a value type: two
// Addresses with equal bytes are interchangeable.
type Address [AddressLen]byte

// ParseAddress parses a canonical colon-separated hex address such as
// "00:1A:7D:DA:71:13". Case-insensitive on input; String always renders
// uppercase.
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != AddressLen {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		addr[i] = b[0]
	}
	return addr, nil
}

// String renders the address in canonical uppercase colon-separated form.
func (a Address) String() string {
	var b strings.Builder
	for i, v := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
