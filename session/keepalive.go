package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/accu-chek/combodriver/wire"
)

// keepAliveInterval is how often an RT_KEEP_ALIVE packet is sent while the
// remote-terminal service is active. Without it the pump drops the RT
// session after a few seconds of silence.
const keepAliveInterval = 1000 * time.Millisecond

// StartKeepAlive spawns the RT keep-alive loop. It is a no-op if the loop
// is already running. The loop stops on StopKeepAlive, session failure or
// Stop.
func (e *Engine) StartKeepAlive() {
	e.kaMu.Lock()
	defer e.kaMu.Unlock()

	if e.kaCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.recvCtx)
	e.kaCancel = cancel
	e.kaDone = make(chan struct{})

	done := e.kaDone
	e.group.Go(func() error {
		e.keepAliveLoop(ctx, done)
		return nil
	})
}

// StopKeepAlive terminates the keep-alive loop and waits for it to exit.
// Safe to call when no loop is running.
func (e *Engine) StopKeepAlive() {
	e.kaMu.Lock()
	cancel := e.kaCancel
	done := e.kaDone
	e.kaCancel = nil
	e.kaDone = nil
	e.kaMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// keepAliveLoop sends RT_KEEP_ALIVE every keepAliveInterval until ctx is
// cancelled. Send errors are not handled here: a transport failure already
// fails the session, which cancels ctx.
func (e *Engine) keepAliveLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.SendApp(ctx, wire.AppPacket{
				Version: wire.AppVersion,
				Service: wire.ServiceRTMode,
				Command: wire.CmdRTKeepAlive,
			})
			if err != nil && ctx.Err() == nil {
				e.logger.Debug("keep-alive send failed", slog.String("error", err.Error()))
			}
		}
	}
}
