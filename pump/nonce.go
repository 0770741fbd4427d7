package pump

// NonceLen is the length in bytes of the transport-layer nonce.
const NonceLen = 13

// Nonce is the 13-byte little-endian counter fed into the CCM-style MAC
// construction. The zero value is the initial
// nonce before pairing; after the first REQUEST_ID it is reset to one via
// Reset.
type Nonce [NonceLen]byte

// Reset sets the nonce to the value 1 (little-endian), as performed after
// the first REQUEST_ID in the pairing flow.
func (n *Nonce) Reset() {
	*n = Nonce{}
	n[0] = 1
}

// IsZero reports whether the nonce is still at its initial all-zero value.
func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

// Consume returns the nonce value to use for the packet about to be
// authenticated, then advances the stored counter by 1 (little-endian,
// with carry) so the next call returns a fresh value. The
// stored current-tx-nonce must be updated before the next packet is sent;
// callers must persist the engine's nonce handle immediately after calling
// Consume.
func (n *Nonce) Consume() Nonce {
	before := *n
	for i := range n {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
	return before
}

// Bytes returns a copy of the nonce's 13 bytes.
func (n Nonce) Bytes() [NonceLen]byte {
	return n
}
