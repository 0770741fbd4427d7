package pump

import (
	"errors"
	"fmt"
)

// PINLen is the required number of decimal digits in a pairing PIN.
const PINLen = 10

// ErrInvalidPIN indicates a PIN string is not exactly PINLen decimal digits.
var ErrInvalidPIN = errors.New("pump: pin must be exactly 10 decimal digits")

// PIN is a 10-digit decimal PIN shown on the pump display during pairing.
// It is never persisted; callers should let it fall out of scope once the
// weak cipher has been derived from it.
type PIN string

// ParsePIN validates that s is exactly PINLen decimal digits and returns it
// as a PIN.
func ParsePIN(s string) (PIN, error) {
	if len(s) != PINLen {
		return "", fmt.Errorf("%w: got %d characters", ErrInvalidPIN, len(s))
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: non-digit character %q", ErrInvalidPIN, r)
		}
	}
	return PIN(s), nil
}

// WeakKey derives the 16-byte Two-Fish key used to verify and decrypt the
// KEY_RESPONSE packet during pairing. The derivation is deterministic: the
// key is the ASCII encoding of the PIN digits, repeated to fill the key
// width. The resulting key is weak by construction (10 decimal digits of
// entropy) and is used for nothing beyond the single KEY_RESPONSE exchange.
func (p PIN) WeakKey() [KeyLen]byte {
	var key [KeyLen]byte
	for i := range key {
		key[i] = p[i%PINLen]
	}
	return key
}
