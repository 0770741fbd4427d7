package wire

import "testing"

func TestCRC16CheckValue(t *testing.T) {
	// Standard CRC-16/MCRF4XX check value.
	if got := CRC16([]byte("123456789")); got != 0x6F91 {
		t.Fatalf("CRC16(123456789) = 0x%04X, want 0x6F91", got)
	}
}

func TestCRC16Empty(t *testing.T) {
	if got := CRC16(nil); got != 0xFFFF {
		t.Fatalf("CRC16(empty) = 0x%04X, want init value 0xFFFF", got)
	}
}

func TestCRC16Payload(t *testing.T) {
	p := Packet{
		Version: PacketVersion,
		Command: CmdRequestPairingConnection,
		Address: PairingAddress,
	}
	ComputeCRC16Payload(&p)

	if len(p.Payload) != 2 {
		t.Fatalf("payload length = %d, want 2", len(p.Payload))
	}
	if !VerifyCRC16Payload(p) {
		t.Fatal("VerifyCRC16Payload = false for a freshly computed packet")
	}

	// Flipping any header-relevant field must invalidate the checksum.
	tests := []struct {
		name   string
		mutate func(*Packet)
	}{
		{"command", func(p *Packet) { p.Command = CmdRequestKeys }},
		{"address", func(p *Packet) { p.Address = 0x0F }},
		{"sequence bit", func(p *Packet) { p.SequenceBit = true }},
		{"nonce", func(p *Packet) { p.Nonce[0] ^= 0x01 }},
		{"payload byte", func(p *Packet) { p.Payload[0] ^= 0x01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := p
			mutated.Payload = append([]byte(nil), p.Payload...)
			tt.mutate(&mutated)
			if VerifyCRC16Payload(mutated) {
				t.Error("VerifyCRC16Payload = true after mutation")
			}
		})
	}
}

func TestVerifyCRC16PayloadWrongLength(t *testing.T) {
	p := Packet{Version: PacketVersion, Command: CmdData, Payload: []byte{1, 2, 3}}
	if VerifyCRC16Payload(p) {
		t.Fatal("VerifyCRC16Payload must be false for payloads that are not 2 bytes")
	}
}
