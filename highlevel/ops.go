package highlevel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/combometrics"
	"github.com/accu-chek/combodriver/nav"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
)

// basalSegments is the number of hourly basal factors in a profile.
const basalSegments = 24

// TBR limits: percentage in [0, 500] stepped by 10; a non-neutral rate
// needs a duration of at least 15 minutes stepped by 15.
const (
	tbrMaxPercent     = 500
	tbrPercentStep    = 10
	tbrNeutralPercent = 100
	tbrMinMinutes     = 15
	tbrMinutesStep    = 15
)

// defaultBolusPollInterval is how often bolus progress is polled.
const defaultBolusPollInterval = 250 * time.Millisecond

// ErrInvalidArgument indicates a workflow parameter is out of the pump's
// accepted range.
var ErrInvalidArgument = errors.New("highlevel: invalid argument")

// Navigator is the menu-walking collaborator, satisfied by nav.Navigator.
type Navigator interface {
	NavigateTo(ctx context.Context, target pump.ScreenType) error
	AdjustQuantityOnScreen(ctx context.Context, spec nav.AdjustSpec) error
	CycleToScreen(ctx context.Context, button pump.Button, target pump.ScreenType) (pump.Screen, error)
	WaitUntil(ctx context.Context, done func(pump.Screen) bool) (pump.Screen, error)
	WaitUntilScreenAppears(ctx context.Context, target pump.ScreenType) (pump.Screen, error)
	CurrentScreen(ctx context.Context) (pump.Screen, error)
	Press(ctx context.Context, b pump.Button) error
}

// ModeController switches the active application service, satisfied by
// connect.Flow.
type ModeController interface {
	SwitchMode(ctx context.Context, target session.Mode) error
}

// Commander issues structured command-mode calls, satisfied by
// CommandClient.
type Commander interface {
	ReadStatus(ctx context.Context) (Status, error)
	ReadBolusStatus(ctx context.Context) (BolusStatus, error)
	DeliverStandardBolus(ctx context.Context, amountTenths int) (bool, error)
	CancelBolus(ctx context.Context) error
}

// Progress is one report from a long-running workflow.
type Progress struct {
	// Stage names the workflow phase (for example "basal_factor" or
	// "bolus_delivering").
	Stage string

	// Done and Total describe completion; Total is zero when unknown.
	Done  int
	Total int
}

// ProgressReporter receives workflow progress. Reports are synchronous;
// implementations should return quickly.
type ProgressReporter func(Progress)

// Config carries the collaborators for composed workflows.
type Config struct {
	// Logger receives structured workflow logs. Optional.
	Logger *slog.Logger

	// Navigator walks RT menus. Required.
	Navigator Navigator

	// Modes switches the active service. Required.
	Modes ModeController

	// Commander issues command-mode calls. Required.
	Commander Commander

	// Metrics is the optional Prometheus collector.
	Metrics *combometrics.Collector

	// PumpAddress labels metrics.
	PumpAddress pump.Address

	// Progress receives workflow progress reports. Optional.
	Progress ProgressReporter

	// BolusPollInterval overrides the bolus progress polling cadence.
	BolusPollInterval time.Duration
}

// Ops exposes the composed pump workflows. Workflows on one Ops value are
// serialized: two concurrent menu walks would interleave button presses.
type Ops struct {
	logger   *slog.Logger
	nav      Navigator
	modes    ModeController
	command  Commander
	metrics  *combometrics.Collector
	addr     pump.Address
	progress ProgressReporter
	bolusInt time.Duration

	mu sync.Mutex
}

// New creates the workflow layer.
func New(cfg Config) (*Ops, error) {
	if cfg.Navigator == nil || cfg.Modes == nil || cfg.Commander == nil {
		return nil, errors.New("highlevel: config requires Navigator, Modes and Commander")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interval := cfg.BolusPollInterval
	if interval <= 0 {
		interval = defaultBolusPollInterval
	}
	return &Ops{
		logger:   logger.With(slog.String("component", "highlevel.ops")),
		nav:      cfg.Navigator,
		modes:    cfg.Modes,
		command:  cfg.Commander,
		metrics:  cfg.Metrics,
		addr:     cfg.PumpAddress,
		progress: cfg.Progress,
		bolusInt: interval,
	}, nil
}

// report emits one progress report if a reporter is configured.
func (o *Ops) report(stage string, done, total int) {
	if o.progress != nil {
		o.progress(Progress{Stage: stage, Done: done, Total: total})
	}
}

// SetBasalProfile programs all 24 hourly basal factors (0.01 IU/h units).
// The pump presents the factors in begin-hour order starting wherever the
// programming menu was entered; each factor is adjusted on its own screen
// and MENU advances to the next hour. Progress is reported after every
// factor.
func (o *Ops) SetBasalProfile(ctx context.Context, factors [basalSegments]int) error {
	for hour, f := range factors {
		if f < 0 {
			return fmt.Errorf("%w: negative basal factor for hour %d", ErrInvalidArgument, hour)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.modes.SwitchMode(ctx, session.ModeRT); err != nil {
		return err
	}
	if err := o.nav.NavigateTo(ctx, pump.ScreenBasalRateFactorSetting); err != nil {
		return err
	}

	factorVisible := func(s pump.Screen) bool {
		return s.Type == pump.ScreenBasalRateFactorSetting && s.BeginHour != nil
	}

	for i := 0; i < basalSegments; i++ {
		s, err := o.nav.WaitUntil(ctx, factorVisible)
		if err != nil {
			return err
		}
		hour := *s.BeginHour

		err = o.nav.AdjustQuantityOnScreen(ctx, nav.AdjustSpec{
			Target: factors[hour],
			Getter: func(s pump.Screen) *int {
				if s.Type != pump.ScreenBasalRateFactorSetting {
					return nil
				}
				return s.Factor
			},
		})
		if err != nil {
			return err
		}
		o.report("basal_factor", i+1, basalSegments)

		if i == basalSegments-1 {
			break
		}
		if err := o.nav.Press(ctx, pump.Menu); err != nil {
			return err
		}
		// Same-hour screens are duplicates of the factor just set; wait
		// for the hour to actually advance.
		_, err = o.nav.WaitUntil(ctx, func(s pump.Screen) bool {
			return factorVisible(s) && *s.BeginHour != hour
		})
		if err != nil {
			return err
		}
	}

	// Confirm the profile: back over the total screen to the main screen.
	if err := o.nav.Press(ctx, pump.Check); err != nil {
		return err
	}
	if _, err := o.nav.WaitUntilScreenAppears(ctx, pump.ScreenBasalRateTotal); err != nil {
		return err
	}
	if err := o.nav.Press(ctx, pump.Check); err != nil {
		return err
	}
	if _, err := o.nav.WaitUntilScreenAppears(ctx, pump.ScreenMain); err != nil {
		return err
	}

	o.logger.Info("basal profile programmed")
	return nil
}

// SetTBR programs a temporary basal rate of percent for the given
// duration. percent 100 cancels an active TBR; the pump then raises the
// W6 warning, which is awaited and dismissed.
func (o *Ops) SetTBR(ctx context.Context, percent, minutes int) error {
	if percent < 0 || percent > tbrMaxPercent || percent%tbrPercentStep != 0 {
		return fmt.Errorf("%w: tbr percentage %d", ErrInvalidArgument, percent)
	}
	if percent != tbrNeutralPercent && (minutes < tbrMinMinutes || minutes%tbrMinutesStep != 0) {
		return fmt.Errorf("%w: tbr duration %d minutes", ErrInvalidArgument, minutes)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.modes.SwitchMode(ctx, session.ModeRT); err != nil {
		return err
	}
	if err := o.nav.NavigateTo(ctx, pump.ScreenTemporaryBasalRatePercentage); err != nil {
		return err
	}

	percentGetter := func(s pump.Screen) *int {
		if s.Type != pump.ScreenTemporaryBasalRatePercentage {
			return nil
		}
		return s.Percent
	}
	initial, err := o.nav.WaitUntil(ctx, func(s pump.Screen) bool { return percentGetter(s) != nil })
	if err != nil {
		return err
	}
	previousPercent := *initial.Percent

	err = o.nav.AdjustQuantityOnScreen(ctx, nav.AdjustSpec{Target: percent, Getter: percentGetter})
	if err != nil {
		return err
	}

	if percent != tbrNeutralPercent {
		if _, err := o.nav.CycleToScreen(ctx, pump.Menu, pump.ScreenTemporaryBasalRateDuration); err != nil {
			return err
		}
		err = o.nav.AdjustQuantityOnScreen(ctx, nav.AdjustSpec{
			Target: minutes,
			Getter: func(s pump.Screen) *int {
				if s.Type != pump.ScreenTemporaryBasalRateDuration {
					return nil
				}
				return s.Minutes
			},
		})
		if err != nil {
			return err
		}
	}

	if err := o.nav.Press(ctx, pump.Check); err != nil {
		return err
	}

	if previousPercent != tbrNeutralPercent && percent == tbrNeutralPercent {
		if err := o.dismissAlert(ctx); err != nil {
			return err
		}
	}
	if _, err := o.nav.WaitUntilScreenAppears(ctx, pump.ScreenMain); err != nil {
		return err
	}

	o.logger.Info("tbr programmed",
		slog.Int("percent", percent), slog.Int("minutes", minutes))
	return nil
}

// dismissAlert waits for the pending warning screen and confirms it away.
func (o *Ops) dismissAlert(ctx context.Context) error {
	_, err := o.nav.WaitUntil(ctx, func(pump.Screen) bool { return false })
	var alert *comboerr.AlertScreenError
	if !errors.As(err, &alert) {
		if err == nil {
			return errors.New("highlevel: expected an alert screen")
		}
		return err
	}
	o.logger.Debug("dismissing alert", slog.String("contents", alert.Contents))
	return o.nav.Press(ctx, pump.Check)
}

// DeliverBolus delivers a standard bolus of amountTenths (0.1 IU units),
// polling delivery progress until a terminal state. Cancelling ctx
// best-effort-cancels the bolus at the pump before returning.
func (o *Ops) DeliverBolus(ctx context.Context, amountTenths int) error {
	if amountTenths <= 0 {
		return fmt.Errorf("%w: bolus amount %d", ErrInvalidArgument, amountTenths)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.modes.SwitchMode(ctx, session.ModeCommand); err != nil {
		return err
	}

	accepted, err := o.command.DeliverStandardBolus(ctx, amountTenths)
	if err != nil {
		return err
	}
	if !accepted {
		o.recordBolus("refused")
		return &comboerr.BolusError{Kind: comboerr.ErrBolusNotDelivered}
	}

	delivered := 0
	for {
		status, err := o.command.ReadBolusStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.cancelBolus(ctx)
			}
			return err
		}
		delivered = amountTenths - status.RemainingTenths
		o.report("bolus_delivering", delivered, amountTenths)

		switch status.State {
		case BolusDelivered:
			o.recordBolus("delivered")
			o.logger.Info("bolus delivered", slog.Int("amount_tenths", amountTenths))
			return nil
		case BolusCancelledByUser:
			o.recordBolus("cancelled_by_user")
			return &comboerr.BolusError{Kind: comboerr.ErrBolusCancelledByUser, DeliveredTenths: delivered}
		case BolusAbortedDueToError:
			o.recordBolus("aborted")
			return &comboerr.BolusError{Kind: comboerr.ErrBolusAbortedDueToError, DeliveredTenths: delivered}
		}

		if err := sleep(ctx, o.bolusInt); err != nil {
			o.cancelBolus(ctx)
			return err
		}
	}
}

// cancelBolus best-effort-cancels the in-flight bolus after the operation
// itself was cancelled.
func (o *Ops) cancelBolus(ctx context.Context) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.command.CancelBolus(cancelCtx); err != nil {
		o.logger.Warn("best-effort bolus cancel failed", slog.String("error", err.Error()))
	}
}

// recordBolus bumps the bolus outcome counter.
func (o *Ops) recordBolus(outcome string) {
	if o.metrics != nil {
		o.metrics.BolusOutcomes.WithLabelValues(o.addr.String(), outcome).Inc()
	}
}

// ReadQuickinfo shows the quickinfo screen and returns its parsed content,
// leaving the pump back on the main screen.
func (o *Ops) ReadQuickinfo(ctx context.Context) (pump.Screen, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.modes.SwitchMode(ctx, session.ModeRT); err != nil {
		return pump.Screen{}, err
	}
	if err := o.nav.NavigateTo(ctx, pump.ScreenQuickinfo); err != nil {
		return pump.Screen{}, err
	}
	info, err := o.nav.CurrentScreen(ctx)
	if err != nil {
		return pump.Screen{}, err
	}

	if err := o.nav.Press(ctx, pump.Back); err != nil {
		return pump.Screen{}, err
	}
	if _, err := o.nav.WaitUntilScreenAppears(ctx, pump.ScreenMain); err != nil {
		return pump.Screen{}, err
	}
	return info, nil
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
