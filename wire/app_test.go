package wire

import (
	"errors"
	"reflect"
	"testing"

	"github.com/accu-chek/combodriver/pump"
)

func TestAppPacketRoundTrip(t *testing.T) {
	pkt := AppPacket{
		Version: AppVersion,
		Service: ServiceCommandMode,
		Command: CmdDeliverBolus,
		Payload: []byte{0x47, 0x32, 0x00},
	}
	got, err := DecodeApp(EncodeApp(pkt))
	if err != nil {
		t.Fatalf("DecodeApp: %v", err)
	}
	if !reflect.DeepEqual(got, pkt) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, pkt)
	}
}

func TestDecodeAppTooShort(t *testing.T) {
	if _, err := DecodeApp([]byte{0x10, 0x00}); !errors.Is(err, ErrInvalidAppPayload) {
		t.Fatalf("err = %v, want ErrInvalidAppPayload", err)
	}
}

func TestReliableFlags(t *testing.T) {
	unreliable := []AppCommandID{CmdRTButtonStatus, CmdRTDisplay, CmdRTKeepAlive}
	for _, cmd := range unreliable {
		if cmd.Reliable() {
			t.Errorf("%s should be unreliable", cmd)
		}
	}
	reliable := []AppCommandID{
		CmdCtrlConnect, CmdCtrlBind, CmdCtrlDisconnect,
		CmdCtrlActivateService, CmdCtrlDeactivateAllServices,
		CmdReadStatus, CmdDeliverBolus, CmdCancelBolus, CmdBolusStatus,
	}
	for _, cmd := range reliable {
		if !cmd.Reliable() {
			t.Errorf("%s should be reliable", cmd)
		}
	}
}

func TestButtonStatusRoundTrip(t *testing.T) {
	tests := []ButtonStatus{
		{Sequence: 0, Button: pump.Up, Changed: true},
		{Sequence: 65535, Button: pump.NoButton, Changed: true},
		{Sequence: 0x1234, Button: pump.Back, Changed: false},
	}
	for _, want := range tests {
		data := EncodeButtonStatus(want)
		if len(data) != 4 {
			t.Fatalf("encoded length = %d, want 4", len(data))
		}
		got, err := DecodeButtonStatus(data)
		if err != nil {
			t.Fatalf("DecodeButtonStatus: %v", err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestButtonStatusChangedMarkers(t *testing.T) {
	changed := EncodeButtonStatus(ButtonStatus{Button: pump.Check, Changed: true})
	if changed[3] != 0xB7 {
		t.Errorf("changed marker = 0x%02X, want 0xB7", changed[3])
	}
	unchanged := EncodeButtonStatus(ButtonStatus{Button: pump.Check, Changed: false})
	if unchanged[3] != 0x48 {
		t.Errorf("unchanged marker = 0x%02X, want 0x48", unchanged[3])
	}
}

func TestDecodeButtonStatusBadLength(t *testing.T) {
	if _, err := DecodeButtonStatus([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidAppPayload) {
		t.Fatalf("err = %v, want ErrInvalidAppPayload", err)
	}
}
