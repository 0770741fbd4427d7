// Package rtbutton implements simulated button presses in remote-terminal
// mode: single short presses, and long presses driven by a caller-supplied
// predicate. The release packet is always sent, even when the press is
// cancelled mid-way.
package rtbutton

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/accu-chek/combodriver/combometrics"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

// Press timing. A short press is held for at least shortPressHold before
// release; a long press repeats the button packet every longPressInterval
// so the pump keeps treating the button as held.
const (
	shortPressHold    = 100 * time.Millisecond
	longPressInterval = 200 * time.Millisecond
)

var (
	// ErrNotRTMode indicates a press was attempted while the session is
	// not in remote-terminal mode.
	ErrNotRTMode = errors.New("rtbutton: session is not in RT mode")

	// ErrLongPressActive indicates a press was attempted while a long
	// press is still running; only one press may be active at a time.
	ErrLongPressActive = errors.New("rtbutton: a long press is already active")
)

// Predicate decides after each long-press iteration whether to keep the
// button held. Returning false releases the button; an error aborts the
// press (the release packet is still sent).
type Predicate func(ctx context.Context) (bool, error)

// Driver sends RT_BUTTON_STATUS packets through a session engine, keeping
// the 16-bit button sequence counter.
type Driver struct {
	logger  *slog.Logger
	engine  *session.Engine
	metrics *combometrics.Collector

	mu         sync.Mutex
	seq        uint16
	longActive bool
}

// Config carries the collaborators the driver needs.
type Config struct {
	// Logger receives structured driver logs. Optional.
	Logger *slog.Logger

	// Engine is the session engine to send through. Required.
	Engine *session.Engine

	// Metrics is the optional Prometheus collector.
	Metrics *combometrics.Collector
}

// New creates a button driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Engine == nil {
		return nil, errors.New("rtbutton: config requires an Engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		logger:  logger.With(slog.String("component", "rtbutton.driver")),
		engine:  cfg.Engine,
		metrics: cfg.Metrics,
	}, nil
}

// Press performs one short press of b: press packet, a minimum hold time,
// then the release packet. The release is attempted even when ctx is
// cancelled during the hold.
func (d *Driver) Press(ctx context.Context, b pump.Button) error {
	if err := d.checkRT(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.longActive {
		d.mu.Unlock()
		return ErrLongPressActive
	}
	d.mu.Unlock()

	if err := d.engine.Acquire(ctx); err != nil {
		return err
	}
	defer d.engine.Release()

	if err := d.sendButton(ctx, b, true); err != nil {
		return err
	}
	defer d.release(ctx)

	return sleep(ctx, shortPressHold)
}

// LongPress holds b down, re-sending the button packet every iteration
// until keepPressing returns false (nil means "hold until cancelled"). The
// release packet is sent on every exit path: normal termination,
// cancellation, and error.
func (d *Driver) LongPress(ctx context.Context, b pump.Button, keepPressing Predicate) error {
	if err := d.checkRT(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.longActive {
		d.mu.Unlock()
		return ErrLongPressActive
	}
	d.longActive = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.longActive = false
		d.mu.Unlock()
	}()

	if err := d.engine.Acquire(ctx); err != nil {
		return err
	}
	defer d.engine.Release()
	defer d.release(ctx)

	first := true
	for {
		if err := d.sendButton(ctx, b, first); err != nil {
			return err
		}
		first = false

		if err := sleep(ctx, longPressInterval); err != nil {
			return err
		}

		if keepPressing != nil {
			more, err := keepPressing(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}

// checkRT verifies the session is in remote-terminal mode.
func (d *Driver) checkRT() error {
	if d.engine.Mode() != session.ModeRT {
		return ErrNotRTMode
	}
	return nil
}

// sendButton transmits one RT_BUTTON_STATUS packet and advances the button
// sequence counter (wrapping at 65536).
func (d *Driver) sendButton(ctx context.Context, b pump.Button, changed bool) error {
	d.mu.Lock()
	seq := d.seq
	d.seq++
	d.mu.Unlock()

	if d.metrics != nil && changed && b != pump.NoButton {
		d.metrics.ButtonPresses.WithLabelValues(d.engine.PumpAddress().String(), b.String()).Inc()
	}

	return d.engine.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceRTMode,
		Command: wire.CmdRTButtonStatus,
		Payload: wire.EncodeButtonStatus(wire.ButtonStatus{
			Sequence: seq,
			Button:   b,
			Changed:  changed,
		}),
	})
}

// release sends the NO_BUTTON packet. It runs in cleanup paths, so it
// ignores the caller's cancellation and logs failures instead of returning
// them.
func (d *Driver) release(ctx context.Context) {
	err := d.sendButton(context.WithoutCancel(ctx), pump.NoButton, true)
	if err != nil {
		d.logger.Warn("button release failed", slog.String("error", err.Error()))
	}
}

// sleep delays for dur or until ctx is cancelled.
func sleep(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
