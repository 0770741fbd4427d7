// Package session implements the concurrent I/O engine that owns one
// transport connection to a Combo pump: the framed byte stream, the cipher
// keys, the transmit nonce, the receive loop, the packet fan-out channels
// and the RT keep-alive loop. Pairing, connection and navigation flows are
// built on top of this engine in their own packages.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	stdcipher "crypto/cipher"

	"golang.org/x/crypto/twofish"
	"golang.org/x/sync/errgroup"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/combometrics"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/wire"
)

// Channel capacities. Control packets are rare, so a small buffer never
// fills in practice; display frames arrive continuously and are dropped
// when the consumer lags rather than stalling the receive loop.
const (
	transportChanCap = 16
	appChanCap       = 16
	framesChanCap    = 4
)

// ErrNoKeys indicates an authenticated send was attempted before pairing
// keys were installed with SetKeys.
var ErrNoKeys = errors.New("session: no cipher keys installed")

// Config carries the collaborators an Engine needs.
type Config struct {
	// Logger receives structured engine logs. Optional; discards if nil.
	Logger *slog.Logger

	// Transport is the Bluetooth RFCOMM collaborator. Required.
	Transport Transport

	// Store persists pairing data and the transmit nonce. Required.
	Store pump.Store

	// Metrics is the optional Prometheus collector.
	Metrics *combometrics.Collector

	// Address is the pump this engine talks to.
	Address pump.Address
}

// Engine owns one session with a pump. All exported methods are safe for
// concurrent use, but client flows must serialize whole operations through
// Acquire/Release: the protocol allows only one in-flight request at a time.
type Engine struct {
	logger    *slog.Logger
	transport Transport
	store     pump.Store
	metrics   *combometrics.Collector
	pumpAddr  pump.Address

	// ops serializes public client operations (pairing, connect, button
	// presses, command calls). Buffered to one token.
	ops chan struct{}

	stateMu sync.Mutex
	state   State

	// cipherMu guards the keys and the outgoing address byte, which are
	// installed mid-session during pairing while the receive loop runs.
	cipherMu sync.Mutex
	txCipher stdcipher.Block
	rxCipher stdcipher.Block
	address  byte

	// sendMu serializes frame writes and guards the nonce and the
	// alternating sequence bit, so outgoing packets are totally ordered.
	sendMu sync.Mutex
	nonce  pump.Nonce
	seqBit bool

	codec     *wire.FrameCodec
	assembler *wire.Assembler

	transportCh chan wire.Packet
	appCh       chan wire.AppPacket
	framesCh    chan pump.DisplayFrame

	// group tracks the session's goroutines (receive loop, keep-alive) so
	// Stop can join them all.
	group      *errgroup.Group
	recvCtx    context.Context
	recvCancel context.CancelFunc

	errMu    sync.Mutex
	failErr  error
	failOnce sync.Once

	kaMu     sync.Mutex
	kaCancel context.CancelFunc
	kaDone   chan struct{}
}

// New creates an Engine for the pump at cfg.Address. The engine starts in
// StateDisconnected; call Start to open the transport and begin receiving.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: config requires a Transport")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: config requires a Store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ops := make(chan struct{}, 1)
	ops <- struct{}{}

	return &Engine{
		logger:    logger.With(slog.String("component", "session.engine"), slog.String("pump", cfg.Address.String())),
		transport: cfg.Transport,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		pumpAddr:  cfg.Address,
		ops:       ops,
		address:   wire.PairingAddress,
		codec:     wire.NewFrameCodec(),
		assembler: wire.NewAssembler(),
	}, nil
}

// Acquire takes the per-session operation token, blocking until the token
// is free or ctx is cancelled. Concurrent client calls on the same session
// are disallowed; flows hold the token for their whole exchange.
func (e *Engine) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ops:
		return nil
	}
}

// Release returns the operation token taken by Acquire.
func (e *Engine) Release() {
	select {
	case e.ops <- struct{}{}:
	default:
	}
}

// PumpAddress returns the Bluetooth address of the pump this engine drives.
func (e *Engine) PumpAddress() pump.Address {
	return e.pumpAddr
}

// Store returns the persistence collaborator.
func (e *Engine) Store() pump.Store {
	return e.store
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Mode returns the active application service, or 0 when not connected.
func (e *Engine) Mode() Mode {
	switch e.State() {
	case StateConnectedRT:
		return ModeRT
	case StateConnectedCommand:
		return ModeCommand
	default:
		return 0
	}
}

// Transition moves the session to a new lifecycle state, failing on edges
// the state machine does not allow.
func (e *Engine) Transition(to State) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if !canTransition(e.state, to) {
		return transitionError(e.state, to)
	}
	e.logger.Debug("state transition",
		slog.String("from", e.state.String()),
		slog.String("to", to.String()),
	)
	if e.metrics != nil {
		e.metrics.StateTransitions.WithLabelValues(
			e.pumpAddr.String(), e.state.String(), to.String()).Inc()
	}
	e.state = to
	return nil
}

// forceDisconnected moves to StateDisconnected unconditionally; used by the
// failure path, which may run from any state.
func (e *Engine) forceDisconnected() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = StateDisconnected
}

// SetKeys installs the pairing credentials: the client->pump cipher for
// authenticating outgoing packets, the pump->client cipher for verifying
// incoming ones, and the outgoing address byte.
func (e *Engine) SetKeys(data pump.PairingData) error {
	tx, err := twofish.NewCipher(data.ClientPumpKey[:])
	if err != nil {
		return fmt.Errorf("session: client->pump cipher: %w", err)
	}
	rx, err := twofish.NewCipher(data.PumpClientKey[:])
	if err != nil {
		return fmt.Errorf("session: pump->client cipher: %w", err)
	}

	e.cipherMu.Lock()
	defer e.cipherMu.Unlock()
	e.txCipher = tx
	e.rxCipher = rx
	e.address = data.KeyResponseAddress
	return nil
}

// SetNonce seeds the transmit nonce, normally from the persisted state on
// connect or with the value one right before REQUEST_ID during pairing.
func (e *Engine) SetNonce(n pump.Nonce) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.nonce = n
}

// Nonce returns the transmit nonce that the next authenticated packet will
// consume.
func (e *Engine) Nonce() pump.Nonce {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.nonce
}

// Err returns the session-fatal cause recorded by the failure path, or nil.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.failErr
}

// Start opens the transport to the pump, resets the frame codec and spawns
// the receive loop. The session then lives until Stop or an I/O failure.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transport.Connect(ctx, e.pumpAddr); err != nil {
		return fmt.Errorf("%w: connect: %w", comboerr.ErrBluetooth, err)
	}

	e.codec.Reset()
	e.assembler = wire.NewAssembler()

	e.errMu.Lock()
	e.failErr = nil
	e.failOnce = sync.Once{}
	e.errMu.Unlock()

	e.transportCh = make(chan wire.Packet, transportChanCap)
	e.appCh = make(chan wire.AppPacket, appChanCap)
	e.framesCh = make(chan pump.DisplayFrame, framesChanCap)

	e.recvCtx, e.recvCancel = context.WithCancel(context.Background())
	e.group = &errgroup.Group{}

	e.group.Go(e.recvLoop)
	return nil
}

// Stop terminates the receive loop, closes the transport and forces the
// session to StateDisconnected. It is idempotent.
func (e *Engine) Stop() error {
	e.StopKeepAlive()

	if e.recvCancel != nil {
		e.fail(comboerr.ErrSessionClosed)
		_ = e.group.Wait()
	}

	err := e.transport.Disconnect()
	e.forceDisconnected()
	if err != nil {
		return fmt.Errorf("%w: disconnect: %w", comboerr.ErrBluetooth, err)
	}
	return nil
}

// fail records the session-fatal cause (first writer wins), cancels the
// receive loop and stops keep-alive. The receive loop closes the packet
// channels on exit so blocked callers observe the cause rather than a hang.
func (e *Engine) fail(cause error) {
	e.failOnce.Do(func() {
		e.errMu.Lock()
		e.failErr = cause
		e.errMu.Unlock()

		if !errors.Is(cause, comboerr.ErrSessionClosed) {
			e.logger.Error("session failed", slog.String("error", cause.Error()))
		}
		if e.recvCancel != nil {
			e.recvCancel()
		}
		go e.StopKeepAlive()
	})
}

// closedErr is what channel readers return once the fan-out channels close.
func (e *Engine) closedErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return comboerr.ErrSessionClosed
}

// -------------------------------------------------------------------------
// Receiving
// -------------------------------------------------------------------------

// ReceiveTransport returns the next transport-only packet (pairing and
// connection responses). It blocks until a packet arrives, the session
// fails, or ctx is cancelled.
func (e *Engine) ReceiveTransport(ctx context.Context) (wire.Packet, error) {
	select {
	case <-ctx.Done():
		return wire.Packet{}, ctx.Err()
	case p, ok := <-e.transportCh:
		if !ok {
			return wire.Packet{}, e.closedErr()
		}
		return p, nil
	}
}

// ExpectTransport receives the next transport packet and checks it carries
// the wanted command. A mismatch is session-fatal.
func (e *Engine) ExpectTransport(ctx context.Context, want wire.CommandID) (wire.Packet, error) {
	p, err := e.ReceiveTransport(ctx)
	if err != nil {
		return wire.Packet{}, err
	}
	if p.Command != want {
		err := fmt.Errorf("%w: got %s, want %s", comboerr.ErrIncorrectPacket, p.Command, want)
		e.fail(err)
		return wire.Packet{}, err
	}
	return p, nil
}

// ReceiveApp returns the next application packet that is not consumed
// internally (displays, keep-alives and service errors never reach here).
func (e *Engine) ReceiveApp(ctx context.Context) (wire.AppPacket, error) {
	select {
	case <-ctx.Done():
		return wire.AppPacket{}, ctx.Err()
	case p, ok := <-e.appCh:
		if !ok {
			return wire.AppPacket{}, e.closedErr()
		}
		return p, nil
	}
}

// ExpectApp receives the next application packet and checks it carries the
// wanted command. A mismatch is session-fatal.
func (e *Engine) ExpectApp(ctx context.Context, want wire.AppCommandID) (wire.AppPacket, error) {
	p, err := e.ReceiveApp(ctx)
	if err != nil {
		return wire.AppPacket{}, err
	}
	if p.Command != want {
		err := fmt.Errorf("%w: got app command 0x%04X, want 0x%04X",
			comboerr.ErrIncorrectPacket, uint16(p.Command), uint16(want))
		e.fail(err)
		return wire.AppPacket{}, err
	}
	return p, nil
}

// Frames returns the stream of fully reassembled display frames. The
// channel closes when the session ends.
func (e *Engine) Frames() <-chan pump.DisplayFrame {
	return e.framesCh
}

// recvLoop reads framed packets from the transport until cancellation or a
// session-fatal condition, dispatching each packet per its command. On exit
// it closes all fan-out channels so blocked callers observe the cause.
func (e *Engine) recvLoop() error {
	defer func() {
		close(e.transportCh)
		close(e.appCh)
		close(e.framesCh)
	}()

	for {
		data, err := e.transport.Receive(e.recvCtx)
		if err != nil {
			if e.recvCtx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("%w: receive: %w", comboerr.ErrBluetooth, err)
			e.fail(err)
			return err
		}

		payloads, err := e.codec.Feed(data)
		if err != nil {
			e.fail(err)
			return err
		}
		for _, payload := range payloads {
			if err := e.handlePacket(payload); err != nil {
				e.fail(err)
				return err
			}
		}
	}
}

// handlePacket decodes, authenticates and dispatches one received transport
// packet. A non-nil return is session-fatal.
func (e *Engine) handlePacket(data []byte) error {
	p, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PacketsReceived.WithLabelValues(e.pumpAddr.String(), p.Command.String()).Inc()
	}

	// KEY_RESPONSE is verified by the pairing flow with the weak cipher;
	// everything else must carry a valid MAC once keys are installed.
	e.cipherMu.Lock()
	rx := e.rxCipher
	e.cipherMu.Unlock()
	if rx != nil && p.Command != wire.CmdKeyResponse {
		ok, err := wire.VerifyMAC(p, rx)
		if err != nil {
			return err
		}
		if !ok {
			if e.metrics != nil {
				e.metrics.AuthFailures.WithLabelValues(e.pumpAddr.String()).Inc()
			}
			return fmt.Errorf("%w: %s", comboerr.ErrUnauthenticated, p.Command)
		}
	}

	// Reliable packets are acknowledged before anything is enqueued, so
	// ACKs leave in the same order reliable packets arrive.
	if p.ReliabilityBit {
		if err := e.sendAuth(e.recvCtx, wire.CmdACKResponse, nil, false, seqEchoed, p.SequenceBit); err != nil {
			return err
		}
	}

	switch p.Command {
	case wire.CmdACKResponse:
		return nil

	case wire.CmdErrorResponse:
		var code byte
		if len(p.Payload) > 0 {
			code = p.Payload[0]
		}
		return &comboerr.ProtocolError{Code: code}

	case wire.CmdPairingConnectionRequestAccepted,
		wire.CmdKeyResponse,
		wire.CmdIDResponse,
		wire.CmdRegularConnectionRequestAccepted:
		return e.enqueueTransport(p)

	case wire.CmdData:
		return e.handleData(p)

	default:
		e.logger.Debug("dropping unexpected packet", slog.String("command", p.Command.String()))
		return nil
	}
}

// handleData parses a DATA packet's application payload and routes it.
func (e *Engine) handleData(p wire.Packet) error {
	app, err := wire.DecodeApp(p.Payload)
	if err != nil {
		return err
	}

	switch app.Command {
	case wire.CmdRTDisplay:
		band, err := wire.DecodeDisplayBand(app.Payload)
		if err != nil {
			return err
		}
		e.assembler.Add(band)
		if frame, done := e.assembler.Complete(); done {
			select {
			case e.framesCh <- frame:
			default:
				if e.metrics != nil {
					e.metrics.FramesDropped.WithLabelValues(e.pumpAddr.String()).Inc()
				}
				e.logger.Debug("dropping display frame, consumer lagging",
					slog.Int("index", int(frame.Index)))
			}
		}
		return nil

	case wire.CmdRTKeepAlive:
		return nil

	case wire.CmdCtrlServiceError:
		return fmt.Errorf("%w: payload %X", comboerr.ErrService, app.Payload)

	default:
		select {
		case e.appCh <- app:
			return nil
		case <-e.recvCtx.Done():
			return e.recvCtx.Err()
		}
	}
}

// enqueueTransport hands a transport-only packet to the client channel.
func (e *Engine) enqueueTransport(p wire.Packet) error {
	select {
	case e.transportCh <- p:
		return nil
	case <-e.recvCtx.Done():
		return e.recvCtx.Err()
	}
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

// seqMode selects how the sequence bit of an outgoing packet is chosen.
type seqMode uint8

const (
	// seqFixedZero sends sequence bit zero and leaves the alternation
	// state untouched (all unreliable packets).
	seqFixedZero seqMode = iota

	// seqAlternating uses and then flips the per-session alternating bit
	// (reliable DATA packets).
	seqAlternating

	// seqEchoed copies the bit of the reliable packet being acknowledged.
	seqEchoed
)

// SendCRC transmits a pairing-phase packet authenticated by a CRC-16 of its
// header instead of a MAC, addressed with the fixed pairing address and a
// zero nonce.
func (e *Engine) SendCRC(ctx context.Context, cmd wire.CommandID) error {
	p := wire.Packet{
		Version: wire.PacketVersion,
		Command: cmd,
		Address: wire.PairingAddress,
	}
	wire.ComputeCRC16Payload(&p)

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.writePacket(ctx, p)
}

// SendAuthenticated transmits a MAC-authenticated transport packet carrying
// payload, consuming one nonce.
func (e *Engine) SendAuthenticated(ctx context.Context, cmd wire.CommandID, payload []byte) error {
	return e.sendAuth(ctx, cmd, payload, false, seqFixedZero, false)
}

// SendApp wraps app in a DATA transport packet whose reliability bit equals
// the app command's reliable flag, applying the alternating sequence bit
// discipline for reliable packets.
func (e *Engine) SendApp(ctx context.Context, app wire.AppPacket) error {
	reliable := app.Command.Reliable()
	mode := seqFixedZero
	if reliable {
		mode = seqAlternating
	}
	return e.sendAuth(ctx, wire.CmdData, wire.EncodeApp(app), reliable, mode, false)
}

// sendAuth builds, authenticates and transmits one packet. The nonce is
// consumed and the advanced value persisted before the packet hits the
// transport, so a crash can never reuse a nonce.
func (e *Engine) sendAuth(ctx context.Context, cmd wire.CommandID, payload []byte, reliable bool, mode seqMode, echoBit bool) error {
	e.cipherMu.Lock()
	tx := e.txCipher
	addr := e.address
	e.cipherMu.Unlock()
	if tx == nil {
		return ErrNoKeys
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	var seq bool
	switch mode {
	case seqAlternating:
		seq = e.seqBit
		e.seqBit = !e.seqBit
	case seqEchoed:
		seq = echoBit
	}

	nonce := e.nonce.Consume()
	if err := e.store.StoreNonce(ctx, e.pumpAddr, e.nonce); err != nil {
		// Roll the in-memory counter back so state and store stay in step.
		e.nonce = nonce
		if mode == seqAlternating {
			e.seqBit = !e.seqBit
		}
		return fmt.Errorf("%w: persist nonce: %w", comboerr.ErrStorage, err)
	}
	if e.metrics != nil {
		e.metrics.NoncesConsumed.WithLabelValues(e.pumpAddr.String()).Inc()
	}

	p := wire.Packet{
		Version:        wire.PacketVersion,
		SequenceBit:    seq,
		ReliabilityBit: reliable,
		Command:        cmd,
		Address:        addr,
		Nonce:          nonce,
		Payload:        payload,
	}
	if err := wire.Authenticate(&p, tx); err != nil {
		return err
	}
	return e.writePacket(ctx, p)
}

// writePacket frames and transmits one packet. Callers hold sendMu, so
// outgoing packets on a session are totally ordered. Transport failures are
// session-fatal.
func (e *Engine) writePacket(ctx context.Context, p wire.Packet) error {
	if err := e.transport.Send(ctx, wire.EncodeFrame(wire.Encode(p))); err != nil {
		err = fmt.Errorf("%w: send %s: %w", comboerr.ErrBluetooth, p.Command, err)
		e.fail(err)
		return err
	}
	if e.metrics != nil {
		e.metrics.PacketsSent.WithLabelValues(e.pumpAddr.String(), p.Command.String()).Inc()
	}
	return nil
}
