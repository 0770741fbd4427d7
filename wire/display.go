package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/accu-chek/combodriver/pump"
)

// rtDisplayPayloadLen is the minimum RT_DISPLAY payload length: rt_sequence
// (2) + reason (1) + index (1) + row_id (1) + 96 column bytes.
const rtDisplayPayloadLen = 2 + 1 + 1 + 1 + 96

// RT_DISPLAY reason byte values.
const (
	displayReasonPump byte = 0x48
	displayReasonDM   byte = 0xB7
)

// rowIDByte maps a display band index (0..3) to its wire row_id byte and
// back.
var rowIDByte = [4]byte{0x47, 0x48, 0xB7, 0xB8}

// ButtonStatus is the decoded RT_BUTTON_STATUS application payload.
type ButtonStatus struct {
	Sequence uint16
	Button   pump.Button
	Changed  bool
}

// EncodeButtonStatus serializes an RT_BUTTON_STATUS payload.
func EncodeButtonStatus(s ButtonStatus) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], s.Sequence)
	out[2] = byte(s.Button)
	if s.Changed {
		out[3] = 0xB7
	} else {
		out[3] = 0x48
	}
	return out
}

// DecodeButtonStatus parses an RT_BUTTON_STATUS payload.
func DecodeButtonStatus(data []byte) (ButtonStatus, error) {
	if len(data) != 4 {
		return ButtonStatus{}, fmt.Errorf("%w: rt button status must be 4 bytes, got %d", ErrInvalidAppPayload, len(data))
	}
	return ButtonStatus{
		Sequence: binary.LittleEndian.Uint16(data[0:2]),
		Button:   pump.Button(data[2]),
		Changed:  data[3] == 0xB7,
	}, nil
}

// DisplayBand is one decoded RT_DISPLAY application payload: one horizontal
// quarter (8 rows x 96 columns) of the 96x32 pump display.
type DisplayBand struct {
	Sequence uint16
	Index    uint8
	Row      uint8 // 0..3
	Columns  [96]byte
}

// EncodeDisplayBand serializes an RT_DISPLAY payload for one band.
func EncodeDisplayBand(b DisplayBand) ([]byte, error) {
	if b.Row > 3 {
		return nil, fmt.Errorf("%w: row %d out of range 0-3", ErrInvalidAppPayload, b.Row)
	}
	out := make([]byte, rtDisplayPayloadLen)
	binary.LittleEndian.PutUint16(out[0:2], b.Sequence)
	out[2] = displayReasonPump
	out[3] = b.Index
	out[4] = rowIDByte[b.Row]
	copy(out[5:], b.Columns[:])
	return out, nil
}

// DecodeDisplayBand parses an RT_DISPLAY payload into a DisplayBand.
func DecodeDisplayBand(data []byte) (DisplayBand, error) {
	if len(data) < rtDisplayPayloadLen {
		return DisplayBand{}, fmt.Errorf("%w: rt display payload must be >= %d bytes, got %d",
			ErrInvalidAppPayload, rtDisplayPayloadLen, len(data))
	}
	row, ok := rowFromID(data[4])
	if !ok {
		return DisplayBand{}, fmt.Errorf("%w: unrecognized row_id 0x%02X", ErrInvalidAppPayload, data[4])
	}
	b := DisplayBand{
		Sequence: binary.LittleEndian.Uint16(data[0:2]),
		Index:    data[3],
		Row:      row,
	}
	copy(b.Columns[:], data[5:5+96])
	return b, nil
}

func rowFromID(id byte) (uint8, bool) {
	for row, v := range rowIDByte {
		if v == id {
			return uint8(row), true
		}
	}
	return 0, false
}

// Assembler reassembles the four bands of one display frame index into a
// complete pump.DisplayFrame.
type Assembler struct {
	index    uint8
	have     [4]bool
	received int
	frame    pump.DisplayFrame
}

// NewAssembler returns an Assembler with no bands collected yet.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add folds one decoded band into the in-progress frame. If b belongs to a
// different frame index than any bands already collected, the assembler
// resets and starts a fresh frame (the pump does not interleave indices
// mid-frame in practice, but a dropped/late RT_DISPLAY should not corrupt
// an unrelated frame).
func (a *Assembler) Add(b DisplayBand) {
	if a.received > 0 && b.Index != a.index {
		*a = Assembler{}
	}
	a.index = b.Index

	if !a.have[b.Row] {
		a.have[b.Row] = true
		a.received++
	}

	baseRow := int(b.Row) * 8
	for col := 0; col < 96; col++ {
		// Column bytes are stored right-to-left.
		wireCol := 95 - col
		v := b.Columns[wireCol]
		for bit := 0; bit < 8; bit++ {
			a.frame.Pixels[baseRow+bit][col] = v&(1<<uint(bit)) != 0
		}
	}
}

// Complete reports whether all four bands of the current frame have been
// collected, and if so returns the assembled frame and resets the
// assembler for the next one.
func (a *Assembler) Complete() (pump.DisplayFrame, bool) {
	if a.received != 4 {
		return pump.DisplayFrame{}, false
	}
	frame := a.frame
	frame.Index = a.index
	*a = Assembler{}
	return frame, true
}
