package session_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/internal/combomock"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

var testAddr = pump.Address{0x00, 0x0E, 0x2F, 0x10, 0x28, 0x61}

// startedEngine returns an engine with keys installed and the receive loop
// running against a fresh simulated pump.
func startedEngine(t *testing.T, cfg combomock.Config) (*session.Engine, *combomock.Pump, *combomock.MemStore) {
	t.Helper()

	mock, err := combomock.NewPump(cfg)
	if err != nil {
		t.Fatalf("NewPump: %v", err)
	}
	store := combomock.NewMemStore()

	eng, err := session.New(session.Config{
		Transport: mock,
		Store:     store,
		Address:   testAddr,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := eng.SetKeys(mock.PairingData()); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	var n pump.Nonce
	n.Reset()
	eng.SetNonce(n)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, mock, store
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := session.New(session.Config{Store: combomock.NewMemStore()}); err == nil {
		t.Error("missing transport accepted")
	}
	mock, _ := combomock.NewPump(combomock.Config{})
	if _, err := session.New(session.Config{Transport: mock}); err == nil {
		t.Error("missing store accepted")
	}
}

func TestSendAppExchangesControlCall(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	err := eng.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlConnect,
	})
	if err != nil {
		t.Fatalf("SendApp: %v", err)
	}
	resp, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse)
	if err != nil {
		t.Fatalf("ExpectApp: %v", err)
	}
	if resp.Service != wire.ServiceControl {
		t.Errorf("response service = 0x%02X, want CONTROL", byte(resp.Service))
	}

	// The pump's reliable response was acknowledged before the response
	// was handed to us.
	log := mock.CommandLog()
	if log[len(log)-1] != "ACK_RESPONSE" {
		t.Errorf("last pump-side packet = %s, want ACK_RESPONSE", log[len(log)-1])
	}
}

func TestReliableSequenceBitsAlternate(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := eng.SendApp(ctx, wire.AppPacket{
			Version: wire.AppVersion,
			Service: wire.ServiceControl,
			Command: wire.CmdCtrlConnect,
		})
		if err != nil {
			t.Fatalf("SendApp %d: %v", i, err)
		}
		if _, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse); err != nil {
			t.Fatalf("ExpectApp %d: %v", i, err)
		}
	}

	var seqs []bool
	for _, p := range mock.PacketLog() {
		if p.Command == wire.CmdData && p.ReliabilityBit {
			seqs = append(seqs, p.SequenceBit)
		}
	}
	if len(seqs) != 4 {
		t.Fatalf("saw %d reliable DATA packets, want 4", len(seqs))
	}
	for i, s := range seqs {
		if want := i%2 == 1; s != want {
			t.Errorf("reliable packet %d sequence bit = %v, want %v", i, s, want)
		}
	}
}

func TestUnreliableSequenceBitStaysZero(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	// Interleave unreliable sends with a reliable one; the unreliable
	// packets must not consume or carry the alternating bit.
	send := func(cmd wire.AppCommandID, svc wire.ServiceID) {
		t.Helper()
		if err := eng.SendApp(ctx, wire.AppPacket{Version: wire.AppVersion, Service: svc, Command: cmd}); err != nil {
			t.Fatalf("SendApp(%s): %v", cmd, err)
		}
	}
	send(wire.CmdRTKeepAlive, wire.ServiceRTMode)
	send(wire.CmdCtrlConnect, wire.ServiceControl)
	if _, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse); err != nil {
		t.Fatal(err)
	}
	send(wire.CmdRTKeepAlive, wire.ServiceRTMode)
	send(wire.CmdCtrlConnect, wire.ServiceControl)
	if _, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse); err != nil {
		t.Fatal(err)
	}

	var reliableSeqs []bool
	for _, p := range mock.PacketLog() {
		if p.Command != wire.CmdData {
			continue
		}
		if p.ReliabilityBit {
			reliableSeqs = append(reliableSeqs, p.SequenceBit)
		} else if p.SequenceBit {
			t.Error("unreliable packet carries a nonzero sequence bit")
		}
	}
	if len(reliableSeqs) != 2 || reliableSeqs[0] || !reliableSeqs[1] {
		t.Errorf("reliable sequence bits = %v, want [false true]", reliableSeqs)
	}
}

func TestOutgoingNoncesStrictlyIncrease(t *testing.T) {
	eng, mock, store := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := eng.SendApp(ctx, wire.AppPacket{
			Version: wire.AppVersion,
			Service: wire.ServiceControl,
			Command: wire.CmdCtrlConnect,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse); err != nil {
			t.Fatal(err)
		}
	}

	prev := make([]byte, pump.NonceLen)
	for i, p := range mock.PacketLog() {
		if !nonceLess(prev, p.Nonce[:]) {
			t.Fatalf("packet %d nonce %X not greater than previous %X", i, p.Nonce[:], prev)
		}
		copy(prev, p.Nonce[:])
	}

	// The persisted nonce is ahead of every nonce already used.
	state, ok := store.State(testAddr)
	if !ok {
		t.Fatal("no persisted state")
	}
	if !nonceLess(prev, state.Nonce[:]) {
		t.Fatalf("persisted nonce %X not ahead of last used %X", state.Nonce[:], prev)
	}
}

// nonceLess compares little-endian nonces.
func nonceLess(a, b []byte) bool {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestNoncePersistFailureAbortsSend(t *testing.T) {
	eng, _, store := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	before := eng.Nonce()
	store.FailNonceStores = 1

	err := eng.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlConnect,
	})
	if !errors.Is(err, comboerr.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if eng.Nonce() != before {
		t.Error("in-memory nonce advanced although the persist failed")
	}

	// The session is still usable afterwards.
	err = eng.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlConnect,
	})
	if err != nil {
		t.Fatalf("send after recovered store: %v", err)
	}
	if _, err := eng.ExpectApp(ctx, wire.CmdCtrlConnectResponse); err != nil {
		t.Fatal(err)
	}
}

func TestErrorResponseFailsSession(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mock.QueueErrorResponse(0x42)

	_, err := eng.ReceiveApp(ctx)
	var perr *comboerr.ProtocolError
	if !errors.As(err, &perr) || perr.Code != 0x42 {
		t.Fatalf("err = %v, want ProtocolError{0x42}", err)
	}
	if !errors.Is(eng.Err(), comboerr.ErrProtocol) {
		t.Errorf("engine cause = %v, want ErrProtocol", eng.Err())
	}
}

func TestServiceErrorFailsSession(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mock.QueueServiceError(0x07)

	if _, err := eng.ReceiveApp(ctx); !errors.Is(err, comboerr.ErrService) {
		t.Fatalf("err = %v, want ErrService", err)
	}
}

func TestBadMACFailsSessionUnauthenticated(t *testing.T) {
	eng, _, _ := startedEngine(t, combomock.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Install a verification key that does not match the pump's, so its
	// next authenticated packet fails the MAC check.
	bad, _ := combomock.NewPump(combomock.Config{})
	data := bad.PairingData()
	data.PumpClientKey[0] ^= 0xFF
	if err := eng.SetKeys(data); err != nil {
		t.Fatal(err)
	}

	if err := eng.SendAuthenticated(ctx, wire.CmdRequestRegularConnection, nil); err != nil {
		t.Fatalf("SendAuthenticated: %v", err)
	}
	if _, err := eng.ReceiveTransport(ctx); !errors.Is(err, comboerr.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestDisplayFramesReassembled(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})

	var frame pump.DisplayFrame
	frame.Index = 3
	for row := 0; row < 32; row++ {
		for col := 0; col < 96; col++ {
			frame.Pixels[row][col] = (row+col)%3 == 0
		}
	}
	mock.SendDisplayFrame(frame)

	select {
	case got := <-eng.Frames():
		if got != frame {
			t.Fatal("reassembled frame differs from the transmitted one")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived")
	}
}

func TestKeepAliveLoopSends(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})

	eng.StartKeepAlive()
	time.Sleep(1100 * time.Millisecond)
	eng.StopKeepAlive()

	found := false
	for _, name := range mock.CommandLog() {
		if name == "RT_KEEP_ALIVE" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("no RT_KEEP_ALIVE observed after one interval")
	}

	// Stopping twice is safe.
	eng.StopKeepAlive()
}

func TestStopClosesChannelsWithCause(t *testing.T) {
	eng, _, _ := startedEngine(t, combomock.Config{})

	done := make(chan error, 1)
	go func() {
		_, err := eng.ReceiveApp(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, comboerr.ErrSessionClosed) {
			t.Fatalf("blocked receiver got %v, want ErrSessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked receiver hung after Stop")
	}

	if eng.State() != session.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", eng.State())
	}
}

func TestExpectTransportMismatchIsFatal(t *testing.T) {
	eng, _, _ := startedEngine(t, combomock.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := eng.SendAuthenticated(ctx, wire.CmdRequestRegularConnection, nil); err != nil {
		t.Fatal(err)
	}
	_, err := eng.ExpectTransport(ctx, wire.CmdIDResponse)
	if !errors.Is(err, comboerr.ErrIncorrectPacket) {
		t.Fatalf("err = %v, want ErrIncorrectPacket", err)
	}
}

func TestTransitionTableRejectsIllegalEdges(t *testing.T) {
	mock, _ := combomock.NewPump(combomock.Config{})
	eng, err := session.New(session.Config{
		Transport: mock,
		Store:     combomock.NewMemStore(),
		Address:   testAddr,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Transition(session.StateConnectedRT); err == nil {
		t.Error("Disconnected -> ConnectedRT accepted")
	}
	if err := eng.Transition(session.StatePairing); err != nil {
		t.Errorf("Disconnected -> Pairing rejected: %v", err)
	}
	if err := eng.Transition(session.StateConnecting); err == nil {
		t.Error("Pairing -> Connecting accepted")
	}
}

func TestAcquireSerializesOperations(t *testing.T) {
	mock, _ := combomock.NewPump(combomock.Config{})
	eng, err := session.New(session.Config{
		Transport: mock,
		Store:     combomock.NewMemStore(),
		Address:   testAddr,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := eng.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire = %v, want DeadlineExceeded", err)
	}

	eng.Release()
	if err := eng.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	eng.Release()
}

func TestSendWithoutKeys(t *testing.T) {
	mock, _ := combomock.NewPump(combomock.Config{})
	eng, err := session.New(session.Config{
		Transport: mock,
		Store:     combomock.NewMemStore(),
		Address:   testAddr,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = eng.SendApp(context.Background(), wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlConnect,
	})
	if !errors.Is(err, session.ErrNoKeys) {
		t.Fatalf("err = %v, want ErrNoKeys", err)
	}
}

func TestCRCPacketBytesOnWire(t *testing.T) {
	eng, mock, _ := startedEngine(t, combomock.Config{})
	ctx := context.Background()

	if err := eng.SendCRC(ctx, wire.CmdRequestPairingConnection); err != nil {
		t.Fatal(err)
	}

	log := mock.PacketLog()
	pkt := log[len(log)-1]
	if pkt.Command != wire.CmdRequestPairingConnection {
		t.Fatalf("command = %s", pkt.Command)
	}
	if pkt.Address != 0xF0 {
		t.Errorf("address = 0x%02X, want 0xF0", pkt.Address)
	}
	if !pkt.Nonce.IsZero() {
		t.Error("pairing packet must carry a zero nonce")
	}
	if !wire.VerifyCRC16Payload(pkt) {
		t.Error("CRC payload does not verify")
	}
	if !bytes.Equal(pkt.MAC[:], make([]byte, 8)) {
		t.Error("pairing packet must carry a zero MAC trailer")
	}
}
