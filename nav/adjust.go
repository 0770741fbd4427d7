package nav

import (
	"context"
	"errors"
	"fmt"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/pump"
)

// AdjustSpec parameterizes quantity adjustment on the current screen.
type AdjustSpec struct {
	// Target is the value to reach.
	Target int

	// Getter extracts the quantity from a screen, nil while the value is
	// blinked out. Required.
	Getter func(pump.Screen) *int

	// IncrementButton and DecrementButton default to UP and DOWN.
	IncrementButton pump.Button
	DecrementButton pump.Button

	// CyclicRange, when nonzero, treats the quantity as wrapping over
	// [0, CyclicRange) and adjusts along the shorter arc.
	CyclicRange int
}

// AdjustQuantityOnScreen drives the quantity shown on the current screen to
// spec.Target: a long press covers most of the distance (the pump
// accelerates, so overshoot is expected and tolerated), then after the
// value stabilizes, single short presses correct the remainder. When the
// initial value already equals the target, no button is pressed.
func (n *Navigator) AdjustQuantityOnScreen(ctx context.Context, spec AdjustSpec) error {
	if spec.Getter == nil {
		return errors.New("nav: adjust spec requires a Getter")
	}
	if spec.IncrementButton == pump.NoButton {
		spec.IncrementButton = pump.Up
	}
	if spec.DecrementButton == pump.NoButton {
		spec.DecrementButton = pump.Down
	}

	cur, err := n.waitValue(ctx, spec.Getter)
	if err != nil {
		return err
	}
	if cur == spec.Target {
		return nil
	}

	increment := chooseDirection(cur, spec.Target, spec.CyclicRange)

	if needsMore(cur, spec.Target, increment, spec.CyclicRange) {
		if err := n.longAdjust(ctx, spec, &cur, increment); err != nil {
			return err
		}
		if cur, err = n.stabilize(ctx, spec.Getter, cur); err != nil {
			return err
		}
	}

	return n.correct(ctx, spec, cur)
}

// longAdjust holds the chosen direction button while each fresh sample
// still calls for more movement. The predicate drains the screen stream
// without blocking, so the press cadence is not throttled by the display
// rate.
func (n *Navigator) longAdjust(ctx context.Context, spec AdjustSpec, cur *int, increment bool) error {
	button := spec.IncrementButton
	if !increment {
		button = spec.DecrementButton
	}

	return n.buttons.LongPress(ctx, button, func(ctx context.Context) (bool, error) {
		for {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case s, ok := <-n.screens:
				if !ok {
					return false, errors.New("nav: screen source closed")
				}
				n.current, n.haveCur = s, true
				if s.Type == pump.ScreenAlert {
					return false, &comboerr.AlertScreenError{Contents: s.AlertContent}
				}
				if v := spec.Getter(s); v != nil {
					*cur = *v
				}
			default:
				return needsMore(*cur, spec.Target, increment, spec.CyclicRange), nil
			}
		}
	})
}

// stabilize waits until two consecutive samples agree, so the correction
// phase starts from the value the pump actually settled on rather than a
// stale one still in flight.
func (n *Navigator) stabilize(ctx context.Context, getter func(pump.Screen) *int, last int) (int, error) {
	prev := last
	havePrev := false
	for attempt := 0; attempt < n.maxCycle; attempt++ {
		s, err := n.next(ctx)
		if err != nil {
			return 0, err
		}
		v := getter(s)
		if v == nil {
			continue
		}
		if havePrev && *v == prev {
			return *v, nil
		}
		prev, havePrev = *v, true
	}
	return 0, fmt.Errorf("nav: quantity did not stabilize: %w", comboerr.ErrCouldNotFindScreen)
}

// correct walks the remaining distance one short press at a time,
// re-deciding the direction before each press so an overshoot in either
// direction converges on the target.
func (n *Navigator) correct(ctx context.Context, spec AdjustSpec, cur int) error {
	for attempt := 0; attempt < n.maxCycle; attempt++ {
		if cur == spec.Target {
			return nil
		}
		button := spec.IncrementButton
		if !chooseDirection(cur, spec.Target, spec.CyclicRange) {
			button = spec.DecrementButton
		}
		if err := n.buttons.Press(ctx, button); err != nil {
			return err
		}
		v, err := n.freshValue(ctx, spec.Getter)
		if err != nil {
			return err
		}
		cur = v
	}
	return fmt.Errorf("nav: quantity correction did not converge: %w", comboerr.ErrCouldNotFindScreen)
}

// waitValue returns the current quantity, starting from the last observed
// screen and consuming further samples while the value is blinked out.
func (n *Navigator) waitValue(ctx context.Context, getter func(pump.Screen) *int) (int, error) {
	if n.haveCur {
		if v := getter(n.current); v != nil {
			return *v, nil
		}
	}
	return n.freshValue(ctx, getter)
}

// freshValue consumes screens until a non-blinked quantity arrives,
// ignoring the cached current screen: after a press, the pre-press value
// must not be mistaken for the outcome.
func (n *Navigator) freshValue(ctx context.Context, getter func(pump.Screen) *int) (int, error) {
	for attempt := 0; attempt < n.maxCycle; attempt++ {
		s, err := n.next(ctx)
		if err != nil {
			return 0, err
		}
		if v := getter(s); v != nil {
			return *v, nil
		}
	}
	return 0, fmt.Errorf("nav: quantity stayed blinked out: %w", comboerr.ErrCouldNotFindScreen)
}

// chooseDirection reports whether incrementing moves toward the target; on
// a cyclic range it picks the shorter arc (ties increment).
func chooseDirection(cur, target, cyclicRange int) bool {
	if cyclicRange <= 0 {
		return cur < target
	}
	up := mod(target-cur, cyclicRange)
	down := mod(cur-target, cyclicRange)
	return up <= down
}

// needsMore reports whether the chosen direction still has distance to
// cover. On a cyclic range, the distance flipping past half the ring means
// the press overshot and movement must stop.
func needsMore(cur, target int, increment bool, cyclicRange int) bool {
	if cur == target {
		return false
	}
	if cyclicRange <= 0 {
		if increment {
			return cur < target
		}
		return cur > target
	}
	if increment {
		up := mod(target-cur, cyclicRange)
		return up != 0 && up <= cyclicRange/2
	}
	down := mod(cur-target, cyclicRange)
	return down != 0 && down <= cyclicRange/2
}

// mod is the mathematical modulus, always in [0, m).
func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
