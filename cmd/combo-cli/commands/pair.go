package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accu-chek/combodriver/pairing"
	"github.com/accu-chek/combodriver/pump"
)

// clientSoftwareVersion is reported to the pump in REQUEST_ID.
const clientSoftwareVersion = 1

func pairCmd() *cobra.Command {
	var pinFlag string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with the pump (the pump displays a 10-digit PIN)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, addr, err := buildEngine()
			if err != nil {
				return err
			}

			flow, err := pairing.New(pairing.Config{
				Logger:                logger,
				Engine:                eng,
				ClientSoftwareVersion: clientSoftwareVersion,
				FriendlyName:          cfg.FriendlyName,
			})
			if err != nil {
				return err
			}

			prompt := promptPIN
			if pinFlag != "" {
				prompt = func(_ context.Context, failed bool) (pump.PIN, error) {
					if failed {
						return "", fmt.Errorf("pin %q rejected by the pump", pinFlag)
					}
					return pump.ParsePIN(pinFlag)
				}
			}

			if _, err := flow.Pair(cmd.Context(), prompt); err != nil {
				return err
			}
			fmt.Printf("paired with %s\n", addr)
			return nil
		},
	}

	cmd.Flags().StringVar(&pinFlag, "pin", "",
		"pairing PIN (prompted interactively when omitted)")
	return cmd
}

// promptPIN reads the PIN from the terminal, re-prompting after a failed
// attempt.
func promptPIN(_ context.Context, previousAttemptFailed bool) (pump.PIN, error) {
	if previousAttemptFailed {
		fmt.Println("PIN did not match; read it again from the pump display.")
	}
	fmt.Print("Enter the 10-digit PIN shown on the pump: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return pump.ParsePIN(strings.TrimSpace(line))
}
