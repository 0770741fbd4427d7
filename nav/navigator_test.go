package nav

import (
	"context"
	"errors"
	"testing"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/rtbutton"
)

// fakePresser simulates the pump's display reaction to button presses by
// feeding scripted screens into the navigator's channel: one screen per
// short press, one per long-press iteration, and a tail once the long
// press releases.
type fakePresser struct {
	screens chan pump.Screen

	// perPress is consumed one screen per short press.
	perPress []pump.Screen

	// longScript is consumed one screen per long-press iteration; the
	// press ends when the predicate stops it or the script runs dry.
	longScript []pump.Screen

	// afterLong is pushed wholesale when a long press terminates
	// (the samples still in flight while the button settles).
	afterLong []pump.Screen

	presses     []pump.Button
	longPresses []pump.Button
	longIters   int
}

func newFakePresser(initial ...pump.Screen) *fakePresser {
	f := &fakePresser{screens: make(chan pump.Screen, 64)}
	for _, s := range initial {
		f.screens <- s
	}
	return f
}

func (f *fakePresser) Press(_ context.Context, b pump.Button) error {
	f.presses = append(f.presses, b)
	if len(f.perPress) > 0 {
		f.screens <- f.perPress[0]
		f.perPress = f.perPress[1:]
	}
	return nil
}

func (f *fakePresser) LongPress(ctx context.Context, b pump.Button, keepPressing rtbutton.Predicate) error {
	f.longPresses = append(f.longPresses, b)
	defer func() {
		for _, s := range f.afterLong {
			f.screens <- s
		}
		f.afterLong = nil
	}()

	for _, s := range f.longScript {
		f.longIters++
		f.screens <- s
		more, err := keepPressing(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return errors.New("fake: long press script exhausted")
}

func newTestNavigator(t *testing.T, f *fakePresser, opts ...func(*Config)) *Navigator {
	t.Helper()
	cfg := Config{Buttons: f, Screens: f.screens}
	for _, o := range opts {
		o(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// screenOf builds screens tersely.
func screenOf(typ pump.ScreenType) pump.Screen {
	return pump.Screen{Type: typ}
}

func percentScreen(v int) pump.Screen {
	return pump.Screen{Type: pump.ScreenTemporaryBasalRatePercentage, Percent: &v}
}

func durationScreen(v int) pump.Screen {
	return pump.Screen{Type: pump.ScreenTemporaryBasalRateDuration, Minutes: &v}
}

func TestNavigateToBasalFactorSetting(t *testing.T) {
	f := newFakePresser(screenOf(pump.ScreenMain))
	f.perPress = []pump.Screen{
		screenOf(pump.ScreenStandardBolusMenu),
		screenOf(pump.ScreenExtendedBolusMenu),
		screenOf(pump.ScreenMultiwaveBolusMenu),
		screenOf(pump.ScreenTemporaryBasalRateMenu),
		screenOf(pump.ScreenMyDataMenu),
		screenOf(pump.ScreenAlarmSettingsMenu),
		screenOf(pump.ScreenTimeAndDateSettingsMenu),
		screenOf(pump.ScreenBasalRateProgrammingMenu),
		screenOf(pump.ScreenBasalRateTotal),
		screenOf(pump.ScreenBasalRateFactorSetting),
	}
	n := newTestNavigator(t, f)

	if err := n.NavigateTo(context.Background(), pump.ScreenBasalRateFactorSetting); err != nil {
		t.Fatalf("NavigateTo: %v", err)
	}

	want := []pump.Button{
		pump.Menu, pump.Menu, pump.Menu, pump.Menu, pump.Menu,
		pump.Menu, pump.Menu, pump.Menu, pump.Check, pump.Menu,
	}
	if len(f.presses) != len(want) {
		t.Fatalf("presses = %v, want %v", f.presses, want)
	}
	for i := range want {
		if f.presses[i] != want[i] {
			t.Fatalf("presses = %v, want %v", f.presses, want)
		}
	}
}

func TestNavigateBacksOutOfUnrecognizedScreens(t *testing.T) {
	f := newFakePresser(screenOf(pump.ScreenUnrecognized))
	f.perPress = []pump.Screen{
		screenOf(pump.ScreenUnrecognized),
		screenOf(pump.ScreenMain),
	}
	n := newTestNavigator(t, f)

	if err := n.NavigateTo(context.Background(), pump.ScreenMain); err != nil {
		t.Fatalf("NavigateTo: %v", err)
	}
	if len(f.presses) != 2 || f.presses[0] != pump.Back || f.presses[1] != pump.Back {
		t.Fatalf("presses = %v, want [BACK BACK]", f.presses)
	}
}

func TestNavigateGivesUpOnUnrecognizable(t *testing.T) {
	f := newFakePresser(screenOf(pump.ScreenUnrecognized))
	f.perPress = make([]pump.Screen, 8)
	for i := range f.perPress {
		f.perPress[i] = screenOf(pump.ScreenUnrecognized)
	}
	n := newTestNavigator(t, f, func(c *Config) { c.MaxCycleAttempts = 3 })

	err := n.NavigateTo(context.Background(), pump.ScreenMain)
	if !errors.Is(err, comboerr.ErrCouldNotRecognizeAnyScreen) {
		t.Fatalf("err = %v, want ErrCouldNotRecognizeAnyScreen", err)
	}
}

func TestAlertScreenAbortsNavigation(t *testing.T) {
	f := newFakePresser(screenOf(pump.ScreenMain))
	f.perPress = []pump.Screen{
		{Type: pump.ScreenAlert, AlertContent: "W6"},
	}
	n := newTestNavigator(t, f)

	err := n.NavigateTo(context.Background(), pump.ScreenStandardBolusMenu)
	var alert *comboerr.AlertScreenError
	if !errors.As(err, &alert) || alert.Contents != "W6" {
		t.Fatalf("err = %v, want AlertScreenError{W6}", err)
	}
}

func TestWaitUntilScreenAppearsBounded(t *testing.T) {
	f := newFakePresser()
	for i := 0; i < 5; i++ {
		f.screens <- screenOf(pump.ScreenMain)
	}
	n := newTestNavigator(t, f, func(c *Config) { c.MaxCycleAttempts = 5 })

	_, err := n.WaitUntilScreenAppears(context.Background(), pump.ScreenQuickinfo)
	var notFound *comboerr.CouldNotFindScreenError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want CouldNotFindScreenError", err)
	}
	if len(f.presses) != 0 {
		t.Errorf("WaitUntilScreenAppears pressed buttons: %v", f.presses)
	}
}

func TestCycleToScreenStopsWhenAlreadyThere(t *testing.T) {
	f := newFakePresser(screenOf(pump.ScreenMain))
	n := newTestNavigator(t, f)

	s, err := n.CycleToScreen(context.Background(), pump.Menu, pump.ScreenMain)
	if err != nil {
		t.Fatalf("CycleToScreen: %v", err)
	}
	if s.Type != pump.ScreenMain || len(f.presses) != 0 {
		t.Fatalf("screen=%s presses=%v, want Main with no presses", s.Type, f.presses)
	}
}

func TestAdjustQuantityIdempotentAtTarget(t *testing.T) {
	f := newFakePresser(percentScreen(100))
	n := newTestNavigator(t, f)

	err := n.AdjustQuantityOnScreen(context.Background(), AdjustSpec{
		Target: 100,
		Getter: func(s pump.Screen) *int { return s.Percent },
	})
	if err != nil {
		t.Fatalf("AdjustQuantityOnScreen: %v", err)
	}
	if len(f.presses) != 0 || len(f.longPresses) != 0 {
		t.Fatalf("presses emitted at target: short=%v long=%v", f.presses, f.longPresses)
	}
}

func TestAdjustQuantityWithOvershoot(t *testing.T) {
	// Percentage 100 -> 160: the long press overshoots to 170 (the pump
	// accelerates), the value stabilizes, one DOWN press corrects.
	f := newFakePresser(percentScreen(100))
	f.longScript = []pump.Screen{
		percentScreen(110), percentScreen(120), percentScreen(130),
		percentScreen(140), percentScreen(150), percentScreen(170),
	}
	f.afterLong = []pump.Screen{percentScreen(170), percentScreen(170)}
	f.perPress = []pump.Screen{percentScreen(160)}
	n := newTestNavigator(t, f)

	err := n.AdjustQuantityOnScreen(context.Background(), AdjustSpec{
		Target: 160,
		Getter: func(s pump.Screen) *int { return s.Percent },
	})
	if err != nil {
		t.Fatalf("AdjustQuantityOnScreen: %v", err)
	}

	if len(f.longPresses) != 1 || f.longPresses[0] != pump.Up {
		t.Errorf("long presses = %v, want one UP", f.longPresses)
	}
	if len(f.presses) != 1 || f.presses[0] != pump.Down {
		t.Errorf("short presses = %v, want one DOWN", f.presses)
	}
}

func TestAdjustQuantityCyclicShorterArc(t *testing.T) {
	// Minute 58 -> 2 on a 60-minute ring: four UP steps beat 56 DOWN.
	f := newFakePresser(durationScreen(58))
	f.longScript = []pump.Screen{
		durationScreen(59), durationScreen(0), durationScreen(1), durationScreen(2),
	}
	f.afterLong = []pump.Screen{durationScreen(2), durationScreen(2)}
	n := newTestNavigator(t, f)

	err := n.AdjustQuantityOnScreen(context.Background(), AdjustSpec{
		Target:      2,
		Getter:      func(s pump.Screen) *int { return s.Minutes },
		CyclicRange: 60,
	})
	if err != nil {
		t.Fatalf("AdjustQuantityOnScreen: %v", err)
	}

	if len(f.longPresses) != 1 || f.longPresses[0] != pump.Up {
		t.Errorf("long presses = %v, want one UP", f.longPresses)
	}
	if f.longIters != 4 {
		t.Errorf("long press iterations = %d, want 4", f.longIters)
	}
	if len(f.presses) != 0 {
		t.Errorf("short presses = %v, want none", f.presses)
	}
}

func TestAdjustQuantityWaitsOutBlinkedValues(t *testing.T) {
	blinked := pump.Screen{Type: pump.ScreenTemporaryBasalRatePercentage}
	f := newFakePresser(blinked, blinked, percentScreen(90))
	f.longScript = []pump.Screen{percentScreen(100)}
	f.afterLong = []pump.Screen{percentScreen(100), percentScreen(100)}
	n := newTestNavigator(t, f)

	err := n.AdjustQuantityOnScreen(context.Background(), AdjustSpec{
		Target: 100,
		Getter: func(s pump.Screen) *int { return s.Percent },
	})
	if err != nil {
		t.Fatalf("AdjustQuantityOnScreen: %v", err)
	}
	if len(f.longPresses) != 1 || f.longPresses[0] != pump.Up {
		t.Fatalf("long presses = %v, want one UP", f.longPresses)
	}
	if len(f.presses) != 0 {
		t.Fatalf("short presses = %v, want none", f.presses)
	}
}
