package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accu-chek/combodriver/connect"
	"github.com/accu-chek/combodriver/highlevel"
	"github.com/accu-chek/combodriver/nav"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
)

// errAmountRequired is returned when the bolus amount argument is missing
// or malformed.
var errAmountRequired = errors.New("bolus amount required, e.g. 2.5 (IU)")

func bolusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bolus <amount-iu>",
		Short: "Deliver a standard bolus, reporting progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			amountTenths, err := parseAmount(args[0])
			if err != nil {
				return err
			}

			eng, addr, err := buildEngine()
			if err != nil {
				return err
			}
			flow, err := connect.New(connect.Config{Logger: logger, Engine: eng})
			if err != nil {
				return err
			}
			client, err := highlevel.NewCommandClient(logger, eng)
			if err != nil {
				return err
			}

			if err := flow.Connect(ctx, session.ModeCommand); err != nil {
				return err
			}
			defer func() {
				if err := flow.Disconnect(ctx); err != nil {
					logger.Warn("disconnect", "error", err.Error())
				}
			}()

			ops, err := highlevel.New(highlevel.Config{
				Logger:      logger,
				Navigator:   unavailableNavigator{},
				Modes:       flow,
				Commander:   client,
				PumpAddress: addr,
				Progress: func(p highlevel.Progress) {
					fmt.Printf("\r%s: %d.%d / %d.%d IU",
						p.Stage, p.Done/10, p.Done%10, p.Total/10, p.Total%10)
				},
			})
			if err != nil {
				return err
			}

			if err := ops.DeliverBolus(ctx, amountTenths); err != nil {
				fmt.Println()
				return err
			}
			fmt.Println()

			out, err := formatBolusResult(addr.String(), amountTenths, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// parseAmount converts an IU string like "2.5" to 0.1 IU units.
func parseAmount(s string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0, errAmountRequired
	}
	return int(v*10 + 0.5), nil
}

// unavailableNavigator satisfies highlevel.Navigator for command-mode-only
// workflows; bolus delivery never walks menus, and RT workflows need a
// platform screen parser this harness does not carry.
type unavailableNavigator struct{}

var errNoNavigator = errors.New("remote-terminal navigation requires a screen parser collaborator")

func (unavailableNavigator) NavigateTo(context.Context, pump.ScreenType) error {
	return errNoNavigator
}

func (unavailableNavigator) AdjustQuantityOnScreen(context.Context, nav.AdjustSpec) error {
	return errNoNavigator
}

func (unavailableNavigator) CycleToScreen(context.Context, pump.Button, pump.ScreenType) (pump.Screen, error) {
	return pump.Screen{}, errNoNavigator
}

func (unavailableNavigator) WaitUntil(context.Context, func(pump.Screen) bool) (pump.Screen, error) {
	return pump.Screen{}, errNoNavigator
}

func (unavailableNavigator) WaitUntilScreenAppears(context.Context, pump.ScreenType) (pump.Screen, error) {
	return pump.Screen{}, errNoNavigator
}

func (unavailableNavigator) CurrentScreen(context.Context) (pump.Screen, error) {
	return pump.Screen{}, errNoNavigator
}

func (unavailableNavigator) Press(context.Context, pump.Button) error {
	return errNoNavigator
}
