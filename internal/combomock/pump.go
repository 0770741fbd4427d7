package combomock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	stdcipher "crypto/cipher"

	"golang.org/x/crypto/twofish"

	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

// errInjected is returned by injected failures.
var errInjected = errors.New("combomock: injected failure")

// errDisconnected is returned by transport calls on a closed mock.
var errDisconnected = errors.New("combomock: transport disconnected")

// outBufferSize bounds the pump's outgoing frame queue. Tests never come
// close to filling it; overflowing indicates a runaway loop.
const outBufferSize = 1024

// Config sets up a simulated pump.
type Config struct {
	// PIN is the pairing PIN the pump "displays".
	PIN pump.PIN

	// KeyResponseAddr is the address byte of the KEY_RESPONSE packet in
	// its incoming form; the client stores the nibble-swapped value.
	KeyResponseAddr byte

	// Stopped makes the pump refuse boluses and report not-running.
	Stopped bool

	// BolusStepTenths is how much delivery progresses per status poll.
	BolusStepTenths int
}

// Pump simulates the pump side of the wire protocol and implements
// session.Transport: bytes written with Send are processed synchronously
// and any responses are queued for Receive. It keeps a record of every
// decoded client packet for assertions.
type Pump struct {
	mu sync.Mutex

	pin             pump.PIN
	keyRespAddr     byte
	pumpClientKey   [pump.KeyLen]byte
	clientPumpKey   [pump.KeyLen]byte
	txCipher        stdcipher.Block // pump -> client
	rxCipher        stdcipher.Block // client -> pump
	nonce           pump.Nonce
	seqBit          bool
	codec           *wire.FrameCodec
	out             chan []byte
	connected       bool
	stopped         bool
	activeService   wire.ServiceID
	haveService     bool
	bolusRemaining  int
	bolusState      byte
	bolusStep       int
	cancelAfter     int
	abortAfter      int
	statusPolls     int
	displaySeq      uint16

	commands []string
	packets  []wire.Packet
	buttons  []pump.Button
}

// NewPump creates a simulated pump. Its two session keys are filled with
// fixed recognizable patterns so test failures are easy to read.
func NewPump(cfg Config) (*Pump, error) {
	if cfg.PIN == "" {
		cfg.PIN = "1234567890"
	}
	if cfg.KeyResponseAddr == 0 {
		cfg.KeyResponseAddr = 0x01
	}
	if cfg.BolusStepTenths <= 0 {
		cfg.BolusStepTenths = 5
	}

	p := &Pump{
		pin:         cfg.PIN,
		keyRespAddr: cfg.KeyResponseAddr,
		stopped:     cfg.Stopped,
		bolusStep:   cfg.BolusStepTenths,
		cancelAfter: -1,
		abortAfter:  -1,
		codec:       wire.NewFrameCodec(),
	}
	for i := range p.pumpClientKey {
		p.pumpClientKey[i] = 0xA0 ^ byte(i)
		p.clientPumpKey[i] = 0x5A ^ byte(i)
	}

	var err error
	if p.txCipher, err = twofish.NewCipher(p.pumpClientKey[:]); err != nil {
		return nil, err
	}
	if p.rxCipher, err = twofish.NewCipher(p.clientPumpKey[:]); err != nil {
		return nil, err
	}
	return p, nil
}

// PairingData returns the credentials a correctly paired client ends up
// with, for asserting against the persisted state.
func (p *Pump) PairingData() pump.PairingData {
	return pump.PairingData{
		ClientPumpKey:      p.clientPumpKey,
		PumpClientKey:      p.pumpClientKey,
		KeyResponseAddress: p.keyRespAddr<<4 | p.keyRespAddr>>4,
	}
}

// CancelBolusAfter makes the pump report a user cancellation after n
// status polls.
func (p *Pump) CancelBolusAfter(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelAfter = n
}

// AbortBolusAfter makes the pump report an error abort after n status
// polls.
func (p *Pump) AbortBolusAfter(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortAfter = n
}

// CommandLog returns the names of every client packet received so far,
// with DATA packets replaced by their application command name.
func (p *Pump) CommandLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// PacketLog returns every decoded client transport packet received so far.
func (p *Pump) PacketLog() []wire.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Packet(nil), p.packets...)
}

// ButtonLog returns the buttons of every RT_BUTTON_STATUS packet that had
// the status-changed flag set, releases included.
func (p *Pump) ButtonLog() []pump.Button {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pump.Button(nil), p.buttons...)
}

// -------------------------------------------------------------------------
// session.Transport implementation
// -------------------------------------------------------------------------

// Connect implements session.Transport.
func (p *Pump) Connect(_ context.Context, _ pump.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.codec.Reset()
	p.out = make(chan []byte, outBufferSize)
	return nil
}

// Disconnect implements session.Transport.
func (p *Pump) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Send implements session.Transport: the client's bytes are parsed and
// handled synchronously, so responses are already queued when Send
// returns.
func (p *Pump) Send(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errDisconnected
	}

	payloads, err := p.codec.Feed(data)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		pkt, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		if err := p.handle(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Receive implements session.Transport.
func (p *Pump) Receive(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	out := p.out
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return nil, errDisconnected
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-out:
		return data, nil
	}
}

// -------------------------------------------------------------------------
// Protocol handling (pump side)
// -------------------------------------------------------------------------

// handle processes one decoded client packet. Called with mu held.
func (p *Pump) handle(pkt wire.Packet) error {
	name := pkt.Command.String()
	if pkt.Command == wire.CmdData {
		app, err := wire.DecodeApp(pkt.Payload)
		if err != nil {
			return err
		}
		name = app.Command.String()
	}
	p.commands = append(p.commands, name)
	p.packets = append(p.packets, pkt)

	switch pkt.Command {
	case wire.CmdRequestPairingConnection:
		p.queueCRC(wire.CmdPairingConnectionRequestAccepted)

	case wire.CmdRequestKeys:
		// The physical pump now shows the PIN on its display.

	case wire.CmdGetAvailableKeys:
		return p.queueKeyResponse()

	case wire.CmdRequestID:
		p.queueAuth(wire.CmdIDResponse, nil, false)

	case wire.CmdRequestRegularConnection:
		p.queueAuth(wire.CmdRegularConnectionRequestAccepted, nil, false)

	case wire.CmdACKResponse:
		// Client acknowledging one of our reliable packets.

	case wire.CmdData:
		app, err := wire.DecodeApp(pkt.Payload)
		if err != nil {
			return err
		}
		if pkt.ReliabilityBit {
			p.queueACK(pkt.SequenceBit)
		}
		return p.handleApp(app)

	default:
		return fmt.Errorf("combomock: pump cannot handle %s", pkt.Command)
	}
	return nil
}

// handleApp processes one application packet. Called with mu held.
func (p *Pump) handleApp(app wire.AppPacket) error {
	switch app.Command {
	case wire.CmdCtrlConnect:
		p.queueApp(wire.CmdCtrlConnectResponse, nil)
	case wire.CmdCtrlGetServiceVersion:
		p.queueApp(wire.CmdCtrlServiceVersionResponse, []byte{1, 0})
	case wire.CmdCtrlBind:
		p.queueApp(wire.CmdCtrlBindResponse, nil)
	case wire.CmdCtrlDisconnect:
		// No response.
	case wire.CmdCtrlActivateService:
		if len(app.Payload) < 1 {
			return fmt.Errorf("combomock: activate payload too short")
		}
		p.activeService = wire.ServiceID(app.Payload[0])
		p.haveService = true
		p.queueApp(wire.CmdCtrlActivateServiceResponse, []byte{app.Payload[0]})
	case wire.CmdCtrlDeactivateAllServices:
		p.haveService = false
		p.queueApp(wire.CmdCtrlAllServicesDeactivated, nil)

	case wire.CmdRTButtonStatus:
		status, err := wire.DecodeButtonStatus(app.Payload)
		if err != nil {
			return err
		}
		if status.Changed {
			p.buttons = append(p.buttons, status.Button)
		}
	case wire.CmdRTKeepAlive:
		// Keep-alives are absorbed.

	case wire.CmdReadStatus:
		running := byte(0x48)
		if p.stopped {
			running = 0xB7
		}
		payload := make([]byte, 4)
		payload[0] = running
		binary.LittleEndian.PutUint16(payload[1:3], 1500)
		payload[3] = 80
		p.queueApp(wire.CmdReadStatusResponse, payload)

	case wire.CmdReadDateTime:
		payload := make([]byte, 7)
		binary.LittleEndian.PutUint16(payload[0:2], 2026)
		payload[2], payload[3] = 8, 1
		payload[4], payload[5], payload[6] = 12, 0, 0
		p.queueApp(wire.CmdReadDateTimeResponse, payload)

	case wire.CmdReadErrorWarning:
		p.queueApp(wire.CmdReadErrorWarningResponse, []byte{0, 0})

	case wire.CmdHistoryDelta:
		p.queueApp(wire.CmdHistoryDeltaResponse, []byte{0})

	case wire.CmdDeliverBolus:
		if p.stopped {
			p.queueApp(wire.CmdDeliverBolusResponse, []byte{0xB7})
			return nil
		}
		if len(app.Payload) < 3 {
			return fmt.Errorf("combomock: deliver bolus payload too short")
		}
		p.bolusRemaining = int(binary.LittleEndian.Uint16(app.Payload[1:3]))
		p.bolusState = 0x01
		p.statusPolls = 0
		p.queueApp(wire.CmdDeliverBolusResponse, []byte{0x48})

	case wire.CmdBolusStatus:
		p.advanceBolus()
		payload := make([]byte, 3)
		payload[0] = p.bolusState
		binary.LittleEndian.PutUint16(payload[1:3], uint16(p.bolusRemaining))
		p.queueApp(wire.CmdBolusStatusResponse, payload)

	case wire.CmdCancelBolus:
		p.bolusState = 0x03
		p.queueApp(wire.CmdCancelBolusResponse, []byte{0x48})

	default:
		return fmt.Errorf("combomock: pump cannot handle app command %s", app.Command)
	}
	return nil
}

// advanceBolus moves the simulated delivery forward one poll.
func (p *Pump) advanceBolus() {
	if p.bolusState != 0x01 {
		return
	}
	p.statusPolls++
	if p.cancelAfter >= 0 && p.statusPolls > p.cancelAfter {
		p.bolusState = 0x03
		return
	}
	if p.abortAfter >= 0 && p.statusPolls > p.abortAfter {
		p.bolusState = 0x04
		return
	}
	p.bolusRemaining -= p.bolusStep
	if p.bolusRemaining <= 0 {
		p.bolusRemaining = 0
		p.bolusState = 0x02
	}
}

// -------------------------------------------------------------------------
// Outgoing packet construction (pump side)
// -------------------------------------------------------------------------

// queue frames and enqueues one packet for the client.
func (p *Pump) queue(pkt wire.Packet) {
	select {
	case p.out <- wire.EncodeFrame(wire.Encode(pkt)):
	default:
		panic("combomock: outgoing queue overflow")
	}
}

// queueCRC enqueues a pairing-phase packet with a CRC payload.
func (p *Pump) queueCRC(cmd wire.CommandID) {
	pkt := wire.Packet{
		Version: wire.PacketVersion,
		Command: cmd,
		Address: wire.PairingAddress,
	}
	wire.ComputeCRC16Payload(&pkt)
	p.queue(pkt)
}

// queueKeyResponse enqueues the KEY_RESPONSE: both session keys encrypted
// under the weak PIN cipher, the whole packet MAC'd with the same cipher.
func (p *Pump) queueKeyResponse() error {
	weakKey := p.pin.WeakKey()
	weak, err := twofish.NewCipher(weakKey[:])
	if err != nil {
		return err
	}

	payload := make([]byte, 2*pump.KeyLen)
	weak.Encrypt(payload[:pump.KeyLen], p.pumpClientKey[:])
	weak.Encrypt(payload[pump.KeyLen:], p.clientPumpKey[:])

	pkt := wire.Packet{
		Version: wire.PacketVersion,
		Command: wire.CmdKeyResponse,
		Address: p.keyRespAddr,
		Nonce:   p.nonce.Consume(),
		Payload: payload,
	}
	if err := wire.Authenticate(&pkt, weak); err != nil {
		return err
	}
	p.queue(pkt)
	return nil
}

// queueAuth enqueues a MAC-authenticated transport packet.
func (p *Pump) queueAuth(cmd wire.CommandID, payload []byte, reliable bool) {
	var seq bool
	if reliable {
		seq = p.seqBit
		p.seqBit = !p.seqBit
	}
	pkt := wire.Packet{
		Version:        wire.PacketVersion,
		SequenceBit:    seq,
		ReliabilityBit: reliable,
		Command:        cmd,
		Address:        p.keyRespAddr,
		Nonce:          p.nonce.Consume(),
		Payload:        payload,
	}
	if err := wire.Authenticate(&pkt, p.txCipher); err != nil {
		panic(err)
	}
	p.queue(pkt)
}

// queueACK acknowledges a reliable client packet, echoing its sequence bit.
func (p *Pump) queueACK(seqBit bool) {
	pkt := wire.Packet{
		Version:     wire.PacketVersion,
		SequenceBit: seqBit,
		Command:     wire.CmdACKResponse,
		Address:     p.keyRespAddr,
		Nonce:       p.nonce.Consume(),
	}
	if err := wire.Authenticate(&pkt, p.txCipher); err != nil {
		panic(err)
	}
	p.queue(pkt)
}

// queueApp enqueues an application packet inside a reliable-or-not DATA
// transport packet per the command's flag.
func (p *Pump) queueApp(cmd wire.AppCommandID, payload []byte) {
	data := wire.EncodeApp(wire.AppPacket{
		Version: wire.AppVersion,
		Service: serviceOf(cmd),
		Command: cmd,
		Payload: payload,
	})
	p.queueAuthData(data, cmd.Reliable())
}

// queueAuthData enqueues a DATA packet around an encoded app payload.
func (p *Pump) queueAuthData(appData []byte, reliable bool) {
	var seq bool
	if reliable {
		seq = p.seqBit
		p.seqBit = !p.seqBit
	}
	pkt := wire.Packet{
		Version:        wire.PacketVersion,
		SequenceBit:    seq,
		ReliabilityBit: reliable,
		Command:        wire.CmdData,
		Address:        p.keyRespAddr,
		Nonce:          p.nonce.Consume(),
		Payload:        appData,
	}
	if err := wire.Authenticate(&pkt, p.txCipher); err != nil {
		panic(err)
	}
	p.queue(pkt)
}

// QueueServiceError injects a CTRL_SERVICE_ERROR packet, which is
// session-fatal for the client.
func (p *Pump) QueueServiceError(code byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := wire.EncodeApp(wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlServiceError,
		Payload: []byte{code},
	})
	p.queueAuthData(data, false)
}

// QueueErrorResponse injects a transport-level ERROR_RESPONSE packet.
func (p *Pump) QueueErrorResponse(code byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueAuth(wire.CmdErrorResponse, []byte{code}, false)
}

// SendDisplayFrame pushes one full display frame to the client as four
// RT_DISPLAY band packets.
func (p *Pump) SendDisplayFrame(frame pump.DisplayFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for row := uint8(0); row < 4; row++ {
		band := wire.DisplayBand{
			Sequence: p.displaySeq,
			Index:    frame.Index,
			Row:      row,
			Columns:  bandColumns(frame, row),
		}
		p.displaySeq++
		payload, err := wire.EncodeDisplayBand(band)
		if err != nil {
			panic(err)
		}
		data := wire.EncodeApp(wire.AppPacket{
			Version: wire.AppVersion,
			Service: wire.ServiceRTMode,
			Command: wire.CmdRTDisplay,
			Payload: payload,
		})
		p.queueAuthData(data, false)
	}
}

// bandColumns converts one 8-row band of a frame to wire column bytes
// (stored right-to-left, bit i selecting row i within the band).
func bandColumns(frame pump.DisplayFrame, row uint8) [96]byte {
	var cols [96]byte
	baseRow := int(row) * 8
	for col := 0; col < 96; col++ {
		var v byte
		for bit := 0; bit < 8; bit++ {
			if frame.Pixels[baseRow+bit][col] {
				v |= 1 << uint(bit)
			}
		}
		cols[95-col] = v
	}
	return cols
}

// serviceOf maps an application command to its service.
func serviceOf(cmd wire.AppCommandID) wire.ServiceID {
	switch cmd {
	case wire.CmdRTButtonStatus, wire.CmdRTDisplay, wire.CmdRTKeepAlive:
		return wire.ServiceRTMode
	case wire.CmdReadDateTime, wire.CmdReadDateTimeResponse,
		wire.CmdReadStatus, wire.CmdReadStatusResponse,
		wire.CmdReadErrorWarning, wire.CmdReadErrorWarningResponse,
		wire.CmdHistoryDelta, wire.CmdHistoryDeltaResponse,
		wire.CmdBolusStatus, wire.CmdBolusStatusResponse,
		wire.CmdDeliverBolus, wire.CmdDeliverBolusResponse,
		wire.CmdCancelBolus, wire.CmdCancelBolusResponse:
		return wire.ServiceCommandMode
	default:
		return wire.ServiceControl
	}
}

// Ensure the mock satisfies the transport contract.
var _ session.Transport = (*Pump)(nil)
