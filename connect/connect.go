// Package connect implements regular connection establishment, mode
// activation and teardown for an already paired pump.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

// ErrNotPaired indicates no pairing state exists for the pump.
var ErrNotPaired = errors.New("connect: pump is not paired")

// Config carries the collaborators the flow needs.
type Config struct {
	// Logger receives structured flow logs. Optional.
	Logger *slog.Logger

	// Engine is the session engine to connect through. Required.
	Engine *session.Engine
}

// Flow establishes and tears down regular connections over a session
// engine.
type Flow struct {
	logger *slog.Logger
	engine *session.Engine
}

// New creates a connect flow.
func New(cfg Config) (*Flow, error) {
	if cfg.Engine == nil {
		return nil, errors.New("connect: config requires an Engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Flow{
		logger: logger.With(slog.String("component", "connect.flow")),
		engine: cfg.Engine,
	}, nil
}

// Connect loads the persisted pairing state, opens the transport and runs
// the regular connection handshake, activating the given mode (RT starts
// the keep-alive loop). On a handshake failure the session is rolled back
// with the disconnect flow.
func (f *Flow) Connect(ctx context.Context, mode session.Mode) error {
	if err := f.engine.Acquire(ctx); err != nil {
		return err
	}
	defer f.engine.Release()

	eng := f.engine
	store := eng.Store()
	addr := eng.PumpAddress()

	ok, err := store.HasState(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %w", comboerr.ErrStorage, err)
	}
	if !ok {
		return ErrNotPaired
	}
	pairing, err := store.Load(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %w", comboerr.ErrStorage, err)
	}
	nonce, err := store.LoadNonce(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %w", comboerr.ErrStorage, err)
	}
	if !(pump.State{Pairing: pairing, Nonce: nonce}).Valid() {
		return fmt.Errorf("%w: persisted state is incomplete", ErrNotPaired)
	}

	if err := eng.SetKeys(pairing); err != nil {
		return err
	}
	eng.SetNonce(nonce)

	if err := eng.Transition(session.StateConnecting); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if err := f.handshake(ctx, mode); err != nil {
		f.teardown(ctx)
		return err
	}

	target := session.StateConnectedRT
	if mode == session.ModeCommand {
		target = session.StateConnectedCommand
	}
	if err := eng.Transition(target); err != nil {
		return err
	}
	if mode == session.ModeRT {
		eng.StartKeepAlive()
	}

	f.logger.Info("connected", slog.String("mode", mode.String()))
	return nil
}

// handshake runs the connection request, application connect, and service
// activation exchange.
func (f *Flow) handshake(ctx context.Context, mode session.Mode) error {
	eng := f.engine

	if err := eng.SendAuthenticated(ctx, wire.CmdRequestRegularConnection, nil); err != nil {
		return err
	}
	if _, err := eng.ExpectTransport(ctx, wire.CmdRegularConnectionRequestAccepted); err != nil {
		return err
	}

	if _, err := f.ctrlCall(ctx, wire.CmdCtrlConnect, nil, wire.CmdCtrlConnectResponse); err != nil {
		return err
	}

	return f.activate(ctx, mode)
}

// activate turns on the application service for mode.
func (f *Flow) activate(ctx context.Context, mode session.Mode) error {
	svc := wire.ServiceRTMode
	if mode == session.ModeCommand {
		svc = wire.ServiceCommandMode
	}
	payload := []byte{byte(svc), 1, 0}
	_, err := f.ctrlCall(ctx, wire.CmdCtrlActivateService, payload, wire.CmdCtrlActivateServiceResponse)
	return err
}

// Disconnect deactivates all services, announces the disconnect and closes
// the transport. Protocol errors during teardown are logged and swallowed;
// only cancellation propagates. The session ends in StatePairedDisconnected.
func (f *Flow) Disconnect(ctx context.Context) error {
	if err := f.engine.Acquire(ctx); err != nil {
		return err
	}
	defer f.engine.Release()

	f.teardown(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.engine.Transition(session.StatePairedDisconnected)
}

// teardown performs the disconnect exchange with best effort and stops the
// session. Used both for regular disconnects and connect-failure rollback.
func (f *Flow) teardown(ctx context.Context) {
	eng := f.engine
	eng.StopKeepAlive()

	_, err := f.ctrlCall(ctx, wire.CmdCtrlDeactivateAllServices, nil, wire.CmdCtrlAllServicesDeactivated)
	if err != nil {
		f.logger.Debug("deactivate services", slog.String("error", err.Error()))
	}
	err = eng.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceControl,
		Command: wire.CmdCtrlDisconnect,
	})
	if err != nil {
		f.logger.Debug("ctrl disconnect", slog.String("error", err.Error()))
	}

	if err := eng.Stop(); err != nil {
		f.logger.Debug("transport teardown", slog.String("error", err.Error()))
	}
}

// SwitchMode deactivates all services and activates the target mode. A
// no-op when the session already runs the target mode.
func (f *Flow) SwitchMode(ctx context.Context, target session.Mode) error {
	if err := f.engine.Acquire(ctx); err != nil {
		return err
	}
	defer f.engine.Release()

	eng := f.engine
	current := eng.Mode()
	if current == target {
		return nil
	}
	if current == 0 {
		return fmt.Errorf("connect: cannot switch mode in state %s", eng.State())
	}

	if current == session.ModeRT {
		eng.StopKeepAlive()
	}

	if _, err := f.ctrlCall(ctx, wire.CmdCtrlDeactivateAllServices, nil, wire.CmdCtrlAllServicesDeactivated); err != nil {
		return err
	}
	if err := f.activate(ctx, target); err != nil {
		return err
	}

	state := session.StateConnectedRT
	if target == session.ModeCommand {
		state = session.StateConnectedCommand
	}
	if err := eng.Transition(state); err != nil {
		return err
	}
	if target == session.ModeRT {
		eng.StartKeepAlive()
	}

	f.logger.Info("mode switched", slog.String("mode", target.String()))
	return nil
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
