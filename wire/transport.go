package wire

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/accu-chek/combodriver/pump"
)

// PacketVersion is the only transport protocol version this driver speaks.
const PacketVersion = 0x10

// PacketHeaderSize is the fixed transport header length in bytes: version
// (1) + flags/command (1) + payload length (2) + address (1) + nonce (13).
const PacketHeaderSize = 18

// MACSize is the length in bytes of the authentication trailer.
const MACSize = 8

// PairingAddress is the fixed address byte used on transport packets
// exchanged before a MAC key exists.
const PairingAddress = 0xF0

// ErrInvalidCommandID indicates an unknown 5-bit transport command ID.
// Session-fatal.
var ErrInvalidCommandID = errors.New("wire: invalid transport command id")

// ErrInvalidPayload indicates a packet's payload size or content violates
// its command's contract.
var ErrInvalidPayload = errors.New("wire: invalid payload")

// Packet is a transport-layer packet.
type Packet struct {
	Version        uint8
	SequenceBit    bool
	ReliabilityBit bool
	Command        CommandID
	Address        byte
	Nonce          pump.Nonce
	Payload        []byte
	MAC            [MACSize]byte
}

// header returns the 18-byte fixed header for p, using payloadLen instead
// of len(p.Payload) so callers can build the CRC header variant without
// mutating p.
func (p Packet) header(payloadLen int) []byte {
	h := make([]byte, PacketHeaderSize)
	h[0] = PacketVersion

	var flags byte
	if p.SequenceBit {
		flags |= 0x80
	}
	if p.ReliabilityBit {
		flags |= 0x20
	}
	flags |= byte(p.Command) & 0x1F
	h[1] = flags

	binary.LittleEndian.PutUint16(h[2:4], uint16(payloadLen))
	h[4] = p.Address
	copy(h[5:18], p.Nonce[:])
	return h
}

// Encode serializes p to its full wire form: header, payload, and MAC
// trailer.
func Encode(p Packet) []byte {
	out := make([]byte, 0, PacketHeaderSize+len(p.Payload)+MACSize)
	out = append(out, p.header(len(p.Payload))...)
	out = append(out, p.Payload...)
	out = append(out, p.MAC[:]...)
	return out
}

// Decode parses a frame payload into a Packet. It fails with
// ErrInvalidPayload if the total length is inconsistent with the declared
// payload length, and ErrInvalidCommandID for an unrecognized command.
func Decode(data []byte) (Packet, error) {
	if len(data) < PacketHeaderSize+MACSize {
		return Packet{}, fmt.Errorf("%w: packet shorter than header+mac", ErrInvalidPayload)
	}

	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))
	want := PacketHeaderSize + payloadLen + MACSize
	if len(data) != want {
		return Packet{}, fmt.Errorf("%w: declared payload length %d implies size %d, got %d",
			ErrInvalidPayload, payloadLen, want, len(data))
	}

	flags := data[1]
	cmd := CommandID(flags & 0x1F)
	if !cmd.IsKnown() {
		return Packet{}, fmt.Errorf("%w: 0x%02X", ErrInvalidCommandID, byte(cmd))
	}

	p := Packet{
		Version:        data[0],
		SequenceBit:    flags&0x80 != 0,
		ReliabilityBit: flags&0x20 != 0,
		Command:        cmd,
		Address:        data[4],
	}
	copy(p.Nonce[:], data[5:18])
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[PacketHeaderSize:PacketHeaderSize+payloadLen])
	copy(p.MAC[:], data[PacketHeaderSize+payloadLen:])
	return p, nil
}

// ComputeCRC16Payload sets p.Payload to the 2-byte little-endian CRC-16 of
// p's header, computed with the payload length field treated as 2. Used
// only for pairing packets exchanged before a MAC key exists.
func ComputeCRC16Payload(p *Packet) {
	crc := CRC16(p.header(2))
	p.Payload = []byte{byte(crc), byte(crc >> 8)}
}

// VerifyCRC16Payload reports whether p.Payload holds the correct CRC-16 for
// p's header. It is only meaningful when len(p.Payload) == 2.
func VerifyCRC16Payload(p Packet) bool {
	if len(p.Payload) != 2 {
		return false
	}
	got := uint16(p.Payload[0]) | uint16(p.Payload[1])<<8
	want := CRC16(p.header(2))
	return got == want
}

// ComputeMAC implements the Combo's CCM-style CBC-MAC variant: two B0
// blocks with leading bytes 0x79 and 0x41 are derived from the nonce, the
// CBC-MAC of the serialized packet is taken under the first, and the result
// is XOR-combined with the encryption of the second. cipherBlock must have
// a 16-byte block size (Two-Fish).
func ComputeMAC(p Packet, cipherBlock cipher.Block) ([MACSize]byte, error) {
	var mac [MACSize]byte
	if cipherBlock.BlockSize() != pump.KeyLen {
		return mac, fmt.Errorf("wire: cipher block size %d, want %d", cipherBlock.BlockSize(), pump.KeyLen)
	}

	b0 := make([]byte, 16)
	b0[0] = 0x79
	copy(b0[1:14], p.Nonce[:])
	x := make([]byte, 16)
	cipherBlock.Encrypt(x, b0)

	msg := Encode(Packet{
		Version:        p.Version,
		SequenceBit:    p.SequenceBit,
		ReliabilityBit: p.ReliabilityBit,
		Command:        p.Command,
		Address:        p.Address,
		Nonce:          p.Nonce,
		Payload:        p.Payload,
	})
	msg = msg[:PacketHeaderSize+len(p.Payload)] // drop the zero MAC trailer appended by Encode

	for len(msg) >= 16 {
		block := msg[:16]
		xorInto(x, block)
		cipherBlock.Encrypt(x, x)
		msg = msg[16:]
	}
	if r := len(msg); r > 0 {
		for i := 0; i < r; i++ {
			x[i] ^= msg[i]
		}
		pad := byte(16 - r)
		for i := r; i < 16; i++ {
			x[i] ^= pad
		}
		cipherBlock.Encrypt(x, x)
	}

	var u [MACSize]byte
	copy(u[:], x[:MACSize])

	b0Prime := make([]byte, 16)
	b0Prime[0] = 0x41
	copy(b0Prime[1:14], p.Nonce[:])
	xPrime := make([]byte, 16)
	cipherBlock.Encrypt(xPrime, b0Prime)

	for i := range mac {
		mac[i] = u[i] ^ xPrime[i]
	}
	return mac, nil
}

// VerifyMAC reports whether p.MAC matches the MAC computed for p with
// cipherBlock, comparing in constant time.
func VerifyMAC(p Packet, cipherBlock cipher.Block) (bool, error) {
	want, err := ComputeMAC(p, cipherBlock)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.MAC[:], want[:]) == 1, nil
}

// Authenticate computes and writes p.MAC in place.
func Authenticate(p *Packet, cipherBlock cipher.Block) error {
	mac, err := ComputeMAC(*p, cipherBlock)
	if err != nil {
		return err
	}
	p.MAC = mac
	return nil
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
