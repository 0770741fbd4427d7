// Package commands implements the combo-cli commands.
package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/accu-chek/combodriver/combostore"
	"github.com/accu-chek/combodriver/internal/combomock"
	"github.com/accu-chek/combodriver/pump"
	"github.com/accu-chek/combodriver/session"
)

// errNoTransport is returned when no platform Bluetooth transport is
// available and demo mode is off.
var errNoTransport = errors.New("no Bluetooth transport available on this platform; run with --demo or set demo: true")

var (
	// configPath is the optional YAML config file.
	configPath string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// demoFlag forces the simulated pump regardless of config.
	demoFlag bool

	// cfg is the merged configuration, loaded in PersistentPreRunE.
	cfg Config

	// logger is the shared slog logger, built in PersistentPreRunE.
	logger *slog.Logger
)

// rootCmd is the top-level cobra command for combo-cli.
var rootCmd = &cobra.Command{
	Use:   "combo-cli",
	Short: "Development harness for the Accu-Chek Combo pump driver",
	Long: "combo-cli drives the Combo pump protocol stack (pairing, status reads,\n" +
		"bolus delivery) over a platform Bluetooth transport or the built-in\n" +
		"simulated pump.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		if cfg, err = loadConfig(configPath); err != nil {
			return err
		}
		if demoFlag {
			cfg.Demo = true
		}
		logger, err = newLogger(cfg)
		return err
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().BoolVar(&demoFlag, "demo", false,
		"drive the built-in simulated pump instead of real hardware")

	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bolusCmd())
	rootCmd.AddCommand(unpairCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// buildEngine assembles the store, transport and session engine from the
// loaded configuration.
func buildEngine() (*session.Engine, pump.Address, error) {
	addr, err := pump.ParseAddress(cfg.PumpAddress)
	if err != nil {
		return nil, pump.Address{}, err
	}

	store, err := combostore.New(logger, cfg.StateDir)
	if err != nil {
		return nil, pump.Address{}, err
	}

	transport, err := buildTransport()
	if err != nil {
		return nil, pump.Address{}, err
	}

	eng, err := session.New(session.Config{
		Logger:    logger,
		Transport: transport,
		Store:     store,
		Address:   addr,
	})
	if err != nil {
		return nil, pump.Address{}, err
	}
	return eng, addr, nil
}

// buildTransport returns the simulated pump in demo mode. Platform
// Bluetooth adapters implement session.Transport out of tree and would be
// selected here.
func buildTransport() (session.Transport, error) {
	if !cfg.Demo {
		return nil, errNoTransport
	}
	pin, err := pump.ParsePIN(cfg.DemoPIN)
	if err != nil {
		return nil, fmt.Errorf("demo_pin: %w", err)
	}
	return combomock.NewPump(combomock.Config{PIN: pin})
}
