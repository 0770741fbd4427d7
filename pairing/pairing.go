// Package pairing implements the Combo pairing handshake: the weak
// PIN-derived cipher, the key exchange, client identification, and the
// application-layer bind, including the PIN retry loop.
package pairing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	stdcipher "crypto/cipher"

	"golang.org/x/crypto/twofish"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/combometrics"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

// friendlyNameLen is the fixed width of the Bluetooth friendly name field
// in the REQUEST_ID payload; longer names are truncated, shorter ones
// zero-padded.
const friendlyNameLen = 13

// keyResponsePayloadLen is two Two-Fish blocks: the encrypted pump->client
// key followed by the encrypted client->pump key.
const keyResponsePayloadLen = 2 * pump.KeyLen

// ErrPromptAborted is returned when the PIN prompt callback declines to
// provide another PIN.
var ErrPromptAborted = errors.New("pairing: pin prompt aborted")

// PINPrompt obtains the 10-digit PIN the pump is displaying.
// previousAttemptFailed is true when an earlier PIN failed verification and
// the user should be told to re-read the display. Returning an error aborts
// pairing.
type PINPrompt func(ctx context.Context, previousAttemptFailed bool) (pump.PIN, error)

// Config carries the collaborators and identity the flow needs.
type Config struct {
	// Logger receives structured flow logs. Optional.
	Logger *slog.Logger

	// Engine is the session engine to pair through. Required.
	Engine *session.Engine

	// Metrics is the optional Prometheus collector.
	Metrics *combometrics.Collector

	// ClientSoftwareVersion is reported to the pump in REQUEST_ID.
	ClientSoftwareVersion uint32

	// FriendlyName is the Bluetooth friendly name reported in REQUEST_ID.
	FriendlyName string
}

// Flow runs the pairing handshake over a session engine.
type Flow struct {
	logger    *slog.Logger
	engine    *session.Engine
	metrics   *combometrics.Collector
	swVersion uint32
	name      string
}

// New creates a pairing flow.
func New(cfg Config) (*Flow, error) {
	if cfg.Engine == nil {
		return nil, errors.New("pairing: config requires an Engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Flow{
		logger:    logger.With(slog.String("component", "pairing.flow")),
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		swVersion: cfg.ClientSoftwareVersion,
		name:      cfg.FriendlyName,
	}, nil
}

// keyVerifyResult classifies a KEY_RESPONSE verification attempt, so the
// PIN retry loop can branch without unwinding through I/O.
type keyVerifyResult uint8

const (
	// keyOK means the MAC matched the weak cipher: the PIN was correct.
	keyOK keyVerifyResult = iota

	// keyWrongPIN means the MAC did not match: the user mistyped the PIN.
	// Recoverable by re-prompting against the same cached packet.
	keyWrongPIN

	// keyCorrupt means the payload shape is wrong regardless of PIN.
	keyCorrupt
)

// Pair runs the full handshake against the pump the engine is configured
// for. On success the decrypted keys and the derived address byte are
// persisted and returned; the transport is closed and the session is left
// in StatePairedDisconnected.
//
// Failures before the identification step discard any partially written
// persistent state, leaving the pump unpaired. Cancellation is honored at
// every exchange step.
func (f *Flow) Pair(ctx context.Context, prompt PINPrompt) (pump.PairingData, error) {
	if prompt == nil {
		return pump.PairingData{}, errors.New("pairing: nil PIN prompt")
	}

	if err := f.engine.Acquire(ctx); err != nil {
		return pump.PairingData{}, err
	}
	defer f.engine.Release()

	if err := f.engine.Transition(session.StatePairing); err != nil {
		return pump.PairingData{}, err
	}
	if err := f.engine.Start(ctx); err != nil {
		f.recordOutcome(combometrics.PairingOutcomeFailure)
		return pump.PairingData{}, err
	}

	data, committed, err := f.pair(ctx, prompt)
	if err != nil {
		f.recordOutcome(combometrics.PairingOutcomeFailure)
		f.rollback(committed)
		return pump.PairingData{}, err
	}

	if err := f.engine.Stop(); err != nil {
		f.logger.Warn("pairing teardown", slog.String("error", err.Error()))
	}
	if err := f.engine.Transition(session.StatePairedDisconnected); err != nil {
		return pump.PairingData{}, err
	}

	f.recordOutcome(combometrics.PairingOutcomeSuccess)
	f.logger.Info("pairing complete")
	return data, nil
}

// pair runs the exchange steps. committed reports whether persisted state
// must survive a failure.
func (f *Flow) pair(ctx context.Context, prompt PINPrompt) (data pump.PairingData, committed bool, err error) {
	eng := f.engine

	// Connection request, authenticated by header CRC only.
	if err := eng.SendCRC(ctx, wire.CmdRequestPairingConnection); err != nil {
		return data, false, err
	}
	accepted, err := eng.ExpectTransport(ctx, wire.CmdPairingConnectionRequestAccepted)
	if err != nil {
		return data, false, err
	}
	if !wire.VerifyCRC16Payload(accepted) {
		return data, false, fmt.Errorf("%w: pairing connection accept CRC", comboerr.ErrUnauthenticated)
	}

	// Ask the pump to generate keys; it now displays the PIN.
	if err := eng.SendCRC(ctx, wire.CmdRequestKeys); err != nil {
		return data, false, err
	}

	keyResponse, weak, err := f.pinLoop(ctx, prompt)
	if err != nil {
		return data, false, err
	}

	data, err = extractPairingData(keyResponse, weak)
	if err != nil {
		return data, false, err
	}
	if err := eng.Store().Store(ctx, eng.PumpAddress(), data); err != nil {
		return data, false, fmt.Errorf("%w: %w", comboerr.ErrStorage, err)
	}

	// Identification: from here on the persisted state is committed and
	// every outgoing packet is MAC-authenticated under the new keys.
	if err := eng.SetKeys(data); err != nil {
		return data, false, err
	}
	var first pump.Nonce
	first.Reset()
	eng.SetNonce(first)

	if err := eng.SendAuthenticated(ctx, wire.CmdRequestID, f.requestIDPayload()); err != nil {
		return data, false, err
	}
	if _, err := eng.ExpectTransport(ctx, wire.CmdIDResponse); err != nil {
		return data, false, err
	}
	committed = true

	// Bind the application layer over a regular connection.
	if err := eng.SendAuthenticated(ctx, wire.CmdRequestRegularConnection, nil); err != nil {
		return data, committed, err
	}
	if _, err := eng.ExpectTransport(ctx, wire.CmdRegularConnectionRequestAccepted); err != nil {
		return data, committed, err
	}

	if _, err := f.ctrlCall(ctx, wire.CmdCtrlConnect, nil, wire.CmdCtrlConnectResponse); err != nil {
		return data, committed, err
	}
	svc := []byte{byte(wire.ServiceCommandMode)}
	if _, err := f.ctrlCall(ctx, wire.CmdCtrlGetServiceVersion, svc, wire.CmdCtrlServiceVersionResponse); err != nil {
		return data, committed, err
	}
	if _, err := f.ctrlCall(ctx, wire.CmdCtrlBind, nil, wire.CmdCtrlBindResponse); err != nil {
		return data, committed, err
	}

	if err := eng.SendAuthenticated(ctx, wire.CmdRequestRegularConnection, nil); err != nil {
		return data, committed, err
	}
	if _, err := eng.ExpectTransport(ctx, wire.CmdRegularConnectionRequestAccepted); err != nil {
		return data, committed, err
	}

	err = eng.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlDisconnect,
	})
	return data, committed, err
}

// pinLoop prompts for PINs until one verifies the KEY_RESPONSE MAC. The
// response is fetched once and cached; a wrong PIN re-prompts against the
// cached packet instead of re-issuing GET_AVAILABLE_KEYS.
func (f *Flow) pinLoop(ctx context.Context, prompt PINPrompt) (wire.Packet, stdcipher.Block, error) {
	eng := f.engine

	var (
		keyResponse wire.Packet
		fetched     bool
		failed      bool
	)
	for {
		pin, err := prompt(ctx, failed)
		if err != nil {
			return wire.Packet{}, nil, fmt.Errorf("%w: %w", ErrPromptAborted, err)
		}
		weakKey := pin.WeakKey()
		weak, err := twofish.NewCipher(weakKey[:])
		if err != nil {
			return wire.Packet{}, nil, err
		}

		if !fetched {
			if err := eng.SendCRC(ctx, wire.CmdGetAvailableKeys); err != nil {
				return wire.Packet{}, nil, err
			}
			keyResponse, err = eng.ExpectTransport(ctx, wire.CmdKeyResponse)
			if err != nil {
				return wire.Packet{}, nil, err
			}
			fetched = true
		}

		switch verifyKeyResponse(keyResponse, weak) {
		case keyOK:
			return keyResponse, weak, nil
		case keyWrongPIN:
			failed = true
			f.recordOutcome(combometrics.PairingOutcomePinRetry)
			f.logger.Info("pin verification failed, re-prompting")
		case keyCorrupt:
			return wire.Packet{}, nil, fmt.Errorf("%w: key response payload is %d bytes, want %d",
				wire.ErrInvalidPayload, len(keyResponse.Payload), keyResponsePayloadLen)
		}
	}
}

// verifyKeyResponse classifies a KEY_RESPONSE packet against a candidate
// weak cipher.
func verifyKeyResponse(p wire.Packet, weak stdcipher.Block) keyVerifyResult {
	if len(p.Payload) != keyResponsePayloadLen {
		return keyCorrupt
	}
	ok, err := wire.VerifyMAC(p, weak)
	if err != nil || !ok {
		return keyWrongPIN
	}
	return keyOK
}

// extractPairingData decrypts the two key halves of a verified KEY_RESPONSE
// and derives the outgoing address byte by swapping the source and
// destination nibbles of the incoming one.
func extractPairingData(p wire.Packet, weak stdcipher.Block) (pump.PairingData, error) {
	if len(p.Payload) != keyResponsePayloadLen {
		return pump.PairingData{}, fmt.Errorf("%w: key response payload", wire.ErrInvalidPayload)
	}

	var data pump.PairingData
	weak.Decrypt(data.PumpClientKey[:], p.Payload[:pump.KeyLen])
	weak.Decrypt(data.ClientPumpKey[:], p.Payload[pump.KeyLen:])
	data.KeyResponseAddress = p.Address<<4 | p.Address>>4
	return data, nil
}

// requestIDPayload is the client software version followed by the fixed
// width Bluetooth friendly name.
func (f *Flow) requestIDPayload() []byte {
	payload := make([]byte, 4+friendlyNameLen)
	binary.LittleEndian.PutUint32(payload[:4], f.swVersion)
	copy(payload[4:], f.name)
	return payload
}

// ctrlCall sends one CONTROL service request and awaits its response.
func (f *Flow) ctrlCall(ctx context.Context, cmd wire.AppCommandID, payload []byte, want wire.AppCommandID) (wire.AppPacket, error) {
	err := f.engine.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: cmd,
		Payload: payload,
	})
	if err != nil {
		return wire.AppPacket{}, err
	}
	return f.engine.ExpectApp(ctx, want)
}

// rollback tears the session down after a failed attempt and, unless the
// identification step completed, deletes any partially persisted state.
func (f *Flow) rollback(committed bool) {
	if err := f.engine.Stop(); err != nil {
		f.logger.Warn("pairing teardown", slog.String("error", err.Error()))
	}
	if !committed {
		ctx := context.Background()
		if err := f.engine.Store().Delete(ctx, f.engine.PumpAddress()); err != nil {
			f.logger.Warn("discarding partial pairing state", slog.String("error", err.Error()))
		}
	}
}

// recordOutcome bumps the pairing attempt counter.
func (f *Flow) recordOutcome(outcome string) {
	if f.metrics != nil {
		f.metrics.PairingAttempts.WithLabelValues(f.engine.PumpAddress().String(), outcome).Inc()
	}
}
