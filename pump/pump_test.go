package pump

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "canonical", in: "00:0E:2F:10:28:61", want: "00:0E:2F:10:28:61"},
		{name: "lowercase", in: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "too few groups", in: "00:0E:2F:10:28", wantErr: true},
		{name: "bad hex", in: "00:0E:2F:10:28:GG", wantErr: true},
		{name: "long group", in: "000:0E:2F:10:28:61", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Fatalf("err = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			if addr.String() != tt.want {
				t.Errorf("String() = %q, want %q", addr.String(), tt.want)
			}
		})
	}
}

func TestParsePIN(t *testing.T) {
	if _, err := ParsePIN("1234567890"); err != nil {
		t.Fatalf("valid pin rejected: %v", err)
	}
	for _, bad := range []string{"", "123456789", "12345678901", "12345678 0", "abcdefghij"} {
		if _, err := ParsePIN(bad); !errors.Is(err, ErrInvalidPIN) {
			t.Errorf("ParsePIN(%q) err = %v, want ErrInvalidPIN", bad, err)
		}
	}
}

func TestWeakKey(t *testing.T) {
	pin, err := ParsePIN("1234567890")
	if err != nil {
		t.Fatal(err)
	}
	key := pin.WeakKey()

	// Deterministic: the same PIN always yields the same key.
	if key != pin.WeakKey() {
		t.Fatal("WeakKey is not deterministic")
	}

	// The first ten bytes are the ASCII digits, the tail wraps around.
	want := [KeyLen]byte{'1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '1', '2', '3', '4', '5', '6'}
	if key != want {
		t.Fatalf("WeakKey = %v, want %v", key, want)
	}

	other, _ := ParsePIN("1234567891")
	if other.WeakKey() == key {
		t.Fatal("different PINs produced the same weak key")
	}
}

func TestNonceReset(t *testing.T) {
	var n Nonce
	if !n.IsZero() {
		t.Fatal("zero value should be zero")
	}
	n.Reset()
	if n.IsZero() {
		t.Fatal("reset nonce should not be zero")
	}
	want := Nonce{0x01}
	if n != want {
		t.Fatalf("Reset = %v, want %v", n, want)
	}
}

func TestNonceConsumeAdvances(t *testing.T) {
	var n Nonce
	n.Reset()

	first := n.Consume()
	if first != (Nonce{0x01}) {
		t.Fatalf("first consumed value = %v, want 1", first)
	}
	second := n.Consume()
	if second != (Nonce{0x02}) {
		t.Fatalf("second consumed value = %v, want 2", second)
	}
}

func TestNonceConsumeCarries(t *testing.T) {
	n := Nonce{0xFF, 0xFF, 0x00, 0x01}
	n.Consume()
	want := Nonce{0x00, 0x00, 0x01, 0x01}
	if n != want {
		t.Fatalf("after carry = %v, want %v", n, want)
	}

	// Carry across the full width wraps to zero.
	all := Nonce{}
	for i := range all {
		all[i] = 0xFF
	}
	all.Consume()
	if !all.IsZero() {
		t.Fatalf("full-width carry = %v, want zero", all)
	}
}

func TestPairingDataAndStateValidity(t *testing.T) {
	var s State
	if s.Valid() {
		t.Fatal("zero state must be invalid")
	}

	s.Pairing.ClientPumpKey[0] = 1
	if s.Valid() {
		t.Fatal("state without a nonce must be invalid")
	}

	s.Nonce.Reset()
	if !s.Valid() {
		t.Fatal("state with keys and nonce must be valid")
	}
}

func TestScreenEquivalences(t *testing.T) {
	v1, v2 := 100, 110
	a := Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &v1}
	b := Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &v2}
	c := Screen{Type: ScreenTemporaryBasalRatePercentage}

	if !TypeEqual(a, b) || !TypeEqual(a, c) {
		t.Fatal("TypeEqual must ignore field values")
	}
	if ContentEqual(a, b) {
		t.Fatal("ContentEqual must compare field values")
	}
	if ContentEqual(a, c) {
		t.Fatal("a blinked-out value must differ from a present one")
	}
	v3 := 100
	d := Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &v3}
	if !ContentEqual(a, d) {
		t.Fatal("equal values behind distinct pointers must compare equal")
	}
}

func TestFilterDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Screen, 8)
	p100, p110 := 100, 110
	in <- Screen{Type: ScreenMain}
	in <- Screen{Type: ScreenMain} // adjacent duplicate, dropped
	in <- Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &p100}
	in <- Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &p100} // dropped
	in <- Screen{Type: ScreenTemporaryBasalRatePercentage, Percent: &p110}
	in <- Screen{Type: ScreenMain} // non-adjacent repeat, kept
	close(in)

	out := FilterDuplicates(ctx, in)
	var got []ScreenType
	var percents []int
	for s := range out {
		got = append(got, s.Type)
		if s.Percent != nil {
			percents = append(percents, *s.Percent)
		}
	}

	wantTypes := []ScreenType{
		ScreenMain,
		ScreenTemporaryBasalRatePercentage,
		ScreenTemporaryBasalRatePercentage,
		ScreenMain,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d screens %v, want %d", len(got), got, len(wantTypes))
	}
	for i := range wantTypes {
		if got[i] != wantTypes[i] {
			t.Fatalf("screen %d = %s, want %s", i, got[i], wantTypes[i])
		}
	}
	if len(percents) != 2 || percents[0] != 100 || percents[1] != 110 {
		t.Fatalf("percents = %v, want [100 110]", percents)
	}
}

func TestFilterDuplicatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Screen)
	out := FilterDuplicates(ctx, in)

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed channel after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel did not close after cancellation")
	}
}
