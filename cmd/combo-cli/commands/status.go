package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accu-chek/combodriver/connect"
	"github.com/accu-chek/combodriver/highlevel"
	"github.com/accu-chek/combodriver/session"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect in command mode and read the pump status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

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

			status, err := client.ReadStatus(ctx)
			if err != nil {
				return err
			}
			out, err := formatStatus(addr.String(), status, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
