package nav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/accu-chek/combodriver/comboerr"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/rtbutton"
)

// defaultMaxCycleAttempts bounds every cycling/waiting loop. The navigator
// never bounds by wall-clock time; exhausting the attempt budget raises a
// could-not-find-screen error instead.
const defaultMaxCycleAttempts = 20

// ButtonPresser is the simulated-button sink the navigator drives. It is
// satisfied by rtbutton.Driver.
type ButtonPresser interface {
	// Press performs one short press.
	Press(ctx context.Context, b pump.Button) error

	// LongPress holds b until keepPressing returns false, always
	// releasing the button on exit.
	LongPress(ctx context.Context, b pump.Button, keepPressing rtbutton.Predicate) error
}

// Config carries the navigator's collaborators.
type Config struct {
	// Logger receives structured navigation logs. Optional.
	Logger *slog.Logger

	// Buttons is the button-press sink. Required.
	Buttons ButtonPresser

	// Screens is the parsed-screen source, in arrival order. Required.
	Screens <-chan pump.Screen

	// Graph is the menu graph; DefaultGraph when nil.
	Graph *Graph

	// IsStopped reports whether the pump is currently stopped, masking
	// the TBR sub-tree. Optional; defaults to "running".
	IsStopped func() bool

	// MaxCycleAttempts bounds cycling/waiting loops;
	// defaultMaxCycleAttempts when zero.
	MaxCycleAttempts int
}

// Navigator walks the pump's remote-terminal menus by pressing buttons and
// observing the parsed-screen stream.
type Navigator struct {
	logger    *slog.Logger
	buttons   ButtonPresser
	screens   <-chan pump.Screen
	graph     *Graph
	isStopped func() bool
	maxCycle  int

	current pump.Screen
	haveCur bool
}

// New creates a navigator.
func New(cfg Config) (*Navigator, error) {
	if cfg.Buttons == nil {
		return nil, errors.New("nav: config requires a ButtonPresser")
	}
	if cfg.Screens == nil {
		return nil, errors.New("nav: config requires a screen source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	graph := cfg.Graph
	if graph == nil {
		graph = DefaultGraph()
	}
	maxCycle := cfg.MaxCycleAttempts
	if maxCycle <= 0 {
		maxCycle = defaultMaxCycleAttempts
	}
	return &Navigator{
		logger:    logger.With(slog.String("component", "nav.navigator")),
		buttons:   cfg.Buttons,
		screens:   cfg.Screens,
		graph:     graph,
		isStopped: cfg.IsStopped,
		maxCycle:  maxCycle,
	}, nil
}

// stopped evaluates the stopped predicate.
func (n *Navigator) stopped() bool {
	return n.isStopped != nil && n.isStopped()
}

// next consumes one screen from the source. An alert screen aborts the
// current operation with an AlertScreenError; the session stays open and
// the caller may dismiss the alert and retry.
func (n *Navigator) next(ctx context.Context) (pump.Screen, error) {
	select {
	case <-ctx.Done():
		return pump.Screen{}, ctx.Err()
	case s, ok := <-n.screens:
		if !ok {
			return pump.Screen{}, errors.New("nav: screen source closed")
		}
		n.current, n.haveCur = s, true
		if s.Type == pump.ScreenAlert {
			return pump.Screen{}, &comboerr.AlertScreenError{Contents: s.AlertContent}
		}
		return s, nil
	}
}

// CurrentScreen returns the most recently observed screen, waiting for the
// first one if none has arrived yet.
func (n *Navigator) CurrentScreen(ctx context.Context) (pump.Screen, error) {
	if n.haveCur {
		return n.current, nil
	}
	return n.next(ctx)
}

// Press performs one short press without interpreting the resulting screen.
func (n *Navigator) Press(ctx context.Context, b pump.Button) error {
	return n.buttons.Press(ctx, b)
}

// WaitUntil consumes screens without pressing buttons until done accepts
// one, bounded by the cycle attempt budget.
func (n *Navigator) WaitUntil(ctx context.Context, done func(pump.Screen) bool) (pump.Screen, error) {
	for attempt := 0; attempt < n.maxCycle; attempt++ {
		s, err := n.next(ctx)
		if err != nil {
			return pump.Screen{}, err
		}
		if done(s) {
			return s, nil
		}
	}
	return pump.Screen{}, fmt.Errorf("nav: %w", comboerr.ErrCouldNotFindScreen)
}

// WaitUntilScreenAppears consumes screens without pressing buttons until
// one of the target type arrives.
func (n *Navigator) WaitUntilScreenAppears(ctx context.Context, target pump.ScreenType) (pump.Screen, error) {
	s, err := n.WaitUntil(ctx, func(s pump.Screen) bool { return s.Type == target })
	if err != nil {
		if errors.Is(err, comboerr.ErrCouldNotFindScreen) {
			return pump.Screen{}, &comboerr.CouldNotFindScreenError{Target: target}
		}
		return pump.Screen{}, err
	}
	return s, nil
}

// CycleToScreen presses button repeatedly until a screen of the target
// type appears, bounded by the cycle attempt budget.
func (n *Navigator) CycleToScreen(ctx context.Context, button pump.Button, target pump.ScreenType) (pump.Screen, error) {
	cur, err := n.CurrentScreen(ctx)
	if err != nil {
		return pump.Screen{}, err
	}
	if cur.Type == target {
		return cur, nil
	}

	for attempt := 0; attempt < n.maxCycle; attempt++ {
		if err := n.buttons.Press(ctx, button); err != nil {
			return pump.Screen{}, err
		}
		s, err := n.next(ctx)
		if err != nil {
			return pump.Screen{}, err
		}
		if s.Type == target {
			return s, nil
		}
	}
	return pump.Screen{}, &comboerr.CouldNotFindScreenError{Target: target}
}

// NavigateTo walks the shortest path from the current screen to the target
// screen type. Unrecognized screens are first backed out of; if no path
// exists from the current node, the navigator cycles BACK to the main
// screen and retries once.
func (n *Navigator) NavigateTo(ctx context.Context, target pump.ScreenType) error {
	cur, err := n.CurrentScreen(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; cur.Type == pump.ScreenUnrecognized; attempt++ {
		if attempt >= n.maxCycle {
			return comboerr.ErrCouldNotRecognizeAnyScreen
		}
		if err := n.buttons.Press(ctx, pump.Back); err != nil {
			return err
		}
		if cur, err = n.next(ctx); err != nil {
			return err
		}
	}

	path, ok := n.graph.ShortestPath(cur.Type, target, n.stopped())
	if !ok {
		// Dead end (for example inside a sub-screen the graph does not
		// model). Return to the main screen and try again from there.
		if _, err := n.CycleToScreen(ctx, pump.Back, pump.ScreenMain); err != nil {
			return err
		}
		if path, ok = n.graph.ShortestPath(pump.ScreenMain, target, n.stopped()); !ok {
			return &comboerr.CouldNotFindScreenError{Target: target}
		}
	}

	for _, step := range path {
		if _, err := n.CycleToScreen(ctx, step.Button, step.Screen); err != nil {
			return err
		}
	}
	return nil
}
