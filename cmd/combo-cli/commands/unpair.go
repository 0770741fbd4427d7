package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accu-chek/combodriver/combostore"
	"github.com/accu-chek/combodriver/pump"
)

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Delete the persisted pairing state for the pump",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := pump.ParseAddress(cfg.PumpAddress)
			if err != nil {
				return err
			}
			store, err := combostore.New(logger, cfg.StateDir)
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), addr); err != nil {
				return err
			}
			fmt.Printf("unpaired %s\n", addr)
			return nil
		},
	}
}
