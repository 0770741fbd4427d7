// Package highlevel composes the navigation, button and command-mode
// layers into complete pump workflows: basal profile programming,
// temporary basal rates, bolus delivery and quick status reads.
package highlevel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/accu-chek/combodriver/session"
	"github.com/accu-chek/combodriver/wire"
)

// Standard bolus type marker in the deliver request.
const bolusTypeStandard = 0x47

// Result bytes in command-mode responses.
const (
	resultAccepted = 0x48
	resultRefused  = 0xB7
)

// BolusState is the pump-reported delivery state of the current bolus.
type BolusState byte

const (
	// BolusDelivering means delivery is in progress.
	BolusDelivering BolusState = 0x01

	// BolusDelivered means the full amount was delivered.
	BolusDelivered BolusState = 0x02

	// BolusCancelledByUser means delivery was stopped at the pump.
	BolusCancelledByUser BolusState = 0x03

	// BolusAbortedDueToError means the pump aborted delivery (occlusion,
	// empty reservoir, ...).
	BolusAbortedDueToError BolusState = 0x04
)

// Status is the structured pump status from a command-mode read.
type Status struct {
	// Running is false when the pump is stopped.
	Running bool

	// ReservoirTenths is the remaining reservoir volume in 0.1 IU units.
	ReservoirTenths int

	// BatteryPercent is the battery charge estimate.
	BatteryPercent int
}

// BolusStatus is the pump's view of the current bolus.
type BolusStatus struct {
	State BolusState

	// RemainingTenths is the amount still to deliver in 0.1 IU units.
	RemainingTenths int
}

// ErrorWarning is one active pump warning or error.
type ErrorWarning struct {
	// Kind is 'W' for warnings, 'E' for errors.
	Kind byte

	// Code is the numeric identifier (6 for the TBR-cancelled warning W6).
	Code int
}

// HistoryEvent is one entry of the pump's delivery history delta.
type HistoryEvent struct {
	// Kind identifies the event type as reported by the pump.
	Kind byte

	// Age is how long ago the event happened.
	Age time.Duration

	// AmountTenths is the associated insulin amount in 0.1 IU units,
	// zero for events without one.
	AmountTenths int
}

// historyEventLen is the wire size of one history delta entry: kind (1) +
// age seconds u32 (4) + amount u16 (2).
const historyEventLen = 7

// CommandClient issues structured command-mode calls over a session
// engine. The session must have the command service activated.
type CommandClient struct {
	logger *slog.Logger
	engine *session.Engine
}

// NewCommandClient creates a command-mode client.
func NewCommandClient(logger *slog.Logger, engine *session.Engine) (*CommandClient, error) {
	if engine == nil {
		return nil, errors.New("highlevel: command client requires an Engine")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandClient{
		logger: logger.With(slog.String("component", "highlevel.command")),
		engine: engine,
	}, nil
}

// call performs one command-mode request/response exchange.
func (c *CommandClient) call(ctx context.Context, cmd wire.AppCommandID, payload []byte, want wire.AppCommandID) (wire.AppPacket, error) {
	if c.engine.Mode() != session.ModeCommand {
		return wire.AppPacket{}, fmt.Errorf("highlevel: session is in %s state, want command mode", c.engine.State())
	}
	if err := c.engine.Acquire(ctx); err != nil {
		return wire.AppPacket{}, err
	}
	defer c.engine.Release()

	err := c.engine.SendApp(ctx, wire.AppPacket{
		Version: wire.AppVersion,
		Service: wire.ServiceCommandMode,
		Command: cmd,
		Payload: payload,
	})
	if err != nil {
		return wire.AppPacket{}, err
	}
	return c.engine.ExpectApp(ctx, want)
}

// ReadDateTime returns the pump's wall clock.
func (c *CommandClient) ReadDateTime(ctx context.Context) (time.Time, error) {
	resp, err := c.call(ctx, wire.CmdReadDateTime, nil, wire.CmdReadDateTimeResponse)
	if err != nil {
		return time.Time{}, err
	}
	if len(resp.Payload) < 7 {
		return time.Time{}, fmt.Errorf("%w: datetime response", wire.ErrInvalidAppPayload)
	}
	year := int(binary.LittleEndian.Uint16(resp.Payload[0:2]))
	return time.Date(year,
		time.Month(resp.Payload[2]), int(resp.Payload[3]),
		int(resp.Payload[4]), int(resp.Payload[5]), int(resp.Payload[6]),
		0, time.Local), nil
}

// ReadStatus returns the pump's run state, reservoir level and battery
// estimate.
func (c *CommandClient) ReadStatus(ctx context.Context) (Status, error) {
	resp, err := c.call(ctx, wire.CmdReadStatus, nil, wire.CmdReadStatusResponse)
	if err != nil {
		return Status{}, err
	}
	if len(resp.Payload) < 4 {
		return Status{}, fmt.Errorf("%w: status response", wire.ErrInvalidAppPayload)
	}
	return Status{
		Running:         resp.Payload[0] == resultAccepted,
		ReservoirTenths: int(binary.LittleEndian.Uint16(resp.Payload[1:3])),
		BatteryPercent:  int(resp.Payload[3]),
	}, nil
}

// ReadErrorWarning returns the currently active warning or error, if any.
// ok is false when none is active.
func (c *CommandClient) ReadErrorWarning(ctx context.Context) (ew ErrorWarning, ok bool, err error) {
	resp, err := c.call(ctx, wire.CmdReadErrorWarning, nil, wire.CmdReadErrorWarningResponse)
	if err != nil {
		return ErrorWarning{}, false, err
	}
	if len(resp.Payload) < 2 {
		return ErrorWarning{}, false, fmt.Errorf("%w: error/warning response", wire.ErrInvalidAppPayload)
	}
	if resp.Payload[0] == 0 {
		return ErrorWarning{}, false, nil
	}
	return ErrorWarning{Kind: resp.Payload[0], Code: int(resp.Payload[1])}, true, nil
}

// ReadHistoryDelta returns the delivery events recorded since the previous
// delta read.
func (c *CommandClient) ReadHistoryDelta(ctx context.Context) ([]HistoryEvent, error) {
	resp, err := c.call(ctx, wire.CmdHistoryDelta, nil, wire.CmdHistoryDeltaResponse)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) < 1 {
		return nil, fmt.Errorf("%w: history delta response", wire.ErrInvalidAppPayload)
	}
	count := int(resp.Payload[0])
	body := resp.Payload[1:]
	if len(body) != count*historyEventLen {
		return nil, fmt.Errorf("%w: history delta body is %d bytes, want %d",
			wire.ErrInvalidAppPayload, len(body), count*historyEventLen)
	}

	events := make([]HistoryEvent, 0, count)
	for i := 0; i < count; i++ {
		entry := body[i*historyEventLen:]
		events = append(events, HistoryEvent{
			Kind:         entry[0],
			Age:          time.Duration(binary.LittleEndian.Uint32(entry[1:5])) * time.Second,
			AmountTenths: int(binary.LittleEndian.Uint16(entry[5:7])),
		})
	}
	return events, nil
}

// ReadBolusStatus returns the pump's view of the current bolus.
func (c *CommandClient) ReadBolusStatus(ctx context.Context) (BolusStatus, error) {
	resp, err := c.call(ctx, wire.CmdBolusStatus, nil, wire.CmdBolusStatusResponse)
	if err != nil {
		return BolusStatus{}, err
	}
	if len(resp.Payload) < 3 {
		return BolusStatus{}, fmt.Errorf("%w: bolus status response", wire.ErrInvalidAppPayload)
	}
	return BolusStatus{
		State:           BolusState(resp.Payload[0]),
		RemainingTenths: int(binary.LittleEndian.Uint16(resp.Payload[1:3])),
	}, nil
}

// DeliverStandardBolus asks the pump to start a standard bolus of
// amountTenths (0.1 IU units). accepted is false when the pump refuses,
// for example because it is stopped.
func (c *CommandClient) DeliverStandardBolus(ctx context.Context, amountTenths int) (accepted bool, err error) {
	payload := make([]byte, 3)
	payload[0] = bolusTypeStandard
	binary.LittleEndian.PutUint16(payload[1:3], uint16(amountTenths))

	resp, err := c.call(ctx, wire.CmdDeliverBolus, payload, wire.CmdDeliverBolusResponse)
	if err != nil {
		return false, err
	}
	if len(resp.Payload) < 1 {
		return false, fmt.Errorf("%w: deliver bolus response", wire.ErrInvalidAppPayload)
	}
	return resp.Payload[0] == resultAccepted, nil
}

// CancelBolus asks the pump to stop the bolus in progress.
func (c *CommandClient) CancelBolus(ctx context.Context) error {
	resp, err := c.call(ctx, wire.CmdCancelBolus, nil, wire.CmdCancelBolusResponse)
	if err != nil {
		return err
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != resultAccepted {
		return errors.New("highlevel: pump refused bolus cancellation")
	}
	return nil
}
